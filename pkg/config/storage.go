package config

// StorageConfig selects the bundle store backend and its limits.
type StorageConfig struct {
    // Backend: memory or disk
    Backend string `mapstructure:"backend"`
    // Path is the disk backend's database directory
    Path string `mapstructure:"path"`
    // MaxBundles caps the stored bundle count (0 = unlimited, memory backend)
    MaxBundles int `mapstructure:"max_bundles"`
    // MaxBytes caps the summed payload bytes (0 = unlimited, memory backend)
    MaxBytes uint64 `mapstructure:"max_bytes"`
    // SweepIntervalSec is the disk backend's lifetime sweep period
    SweepIntervalSec int `mapstructure:"sweep_interval_sec"`
}

// RoutingConfig tunes the forwarding engine.
type RoutingConfig struct {
    // MaxTransfers caps concurrent outbound transfers per neighbor
    MaxTransfers int `mapstructure:"max_transfers"`
    // QueueHint preallocates the routing task queue
    QueueHint int `mapstructure:"queue_hint"`
}
