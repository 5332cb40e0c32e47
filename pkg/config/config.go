// Package config provides YAML-based configuration loading for dtnd.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
)

// Config is the root daemon configuration.
type Config struct {
    // Node identifies the local daemon instance
    Node NodeConfig `mapstructure:"node"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Storage selects and tunes the bundle store backend
    Storage StorageConfig `mapstructure:"storage"`

    // Routing tunes the forwarding engine
    Routing RoutingConfig `mapstructure:"routing"`

    // CL configures convergence-layer listeners and static neighbors
    CL CLConfig `mapstructure:"cl"`

    // Discovery configures UDP neighbor beacons
    Discovery DiscoveryConfig `mapstructure:"discovery"`

    // Agent configures the local application endpoint API
    Agent AgentConfig `mapstructure:"agent"`
}

// NodeConfig names the local node.
type NodeConfig struct {
    // EID is the node endpoint identifier, e.g. "dtn://alpha"
    EID string `mapstructure:"eid"`
    // Software is the version string announced to peers
    Software string `mapstructure:"software"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    host, err := os.Hostname()
    if err != nil || host == "" {
        host = "dtn-node"
    }
    return &Config{
        Node: NodeConfig{
            EID:      "dtn://" + host,
            Software: "dtnd/0.9",
        },
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/dtnd.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Storage: StorageConfig{
            Backend:          "memory",
            Path:             "./data/bundles",
            SweepIntervalSec: 60,
        },
        Routing: RoutingConfig{
            MaxTransfers: 5,
            QueueHint:    64,
        },
        CL: CLConfig{
            Listen:               []Endpoint{{Kind: "mtcp", Addr: ":4556"}},
            DialBackoffInitialMS: 500,
            DialBackoffMaxMS:     30000,
        },
        Discovery: DiscoveryConfig{
            Enabled:     true,
            Addr:        "224.0.0.142:4551",
            IntervalSec: 10,
            Connect:     true,
        },
        Agent: AgentConfig{
            Enabled: true,
            Addr:    "127.0.0.1:4550",
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix DTND and `.`/`-` are replaced with `_`.
// Example: DTND_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("DTND")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("node.eid", cfg.Node.EID)
    v.SetDefault("node.software", cfg.Node.Software)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    // Storage defaults
    v.SetDefault("storage.backend", cfg.Storage.Backend)
    v.SetDefault("storage.path", cfg.Storage.Path)
    v.SetDefault("storage.max_bundles", cfg.Storage.MaxBundles)
    v.SetDefault("storage.max_bytes", cfg.Storage.MaxBytes)
    v.SetDefault("storage.sweep_interval_sec", cfg.Storage.SweepIntervalSec)
    // Routing defaults
    v.SetDefault("routing.max_transfers", cfg.Routing.MaxTransfers)
    v.SetDefault("routing.queue_hint", cfg.Routing.QueueHint)
    // CL defaults
    v.SetDefault("cl.listen", cfg.CL.Listen)
    v.SetDefault("cl.peers", cfg.CL.Peers)
    v.SetDefault("cl.dial_backoff_initial_ms", cfg.CL.DialBackoffInitialMS)
    v.SetDefault("cl.dial_backoff_max_ms", cfg.CL.DialBackoffMaxMS)
    // Discovery defaults
    v.SetDefault("discovery.enabled", cfg.Discovery.Enabled)
    v.SetDefault("discovery.addr", cfg.Discovery.Addr)
    v.SetDefault("discovery.interval_sec", cfg.Discovery.IntervalSec)
    v.SetDefault("discovery.connect", cfg.Discovery.Connect)
    v.SetDefault("discovery.advertise", cfg.Discovery.Advertise)
    // Agent defaults
    v.SetDefault("agent.enabled", cfg.Agent.Enabled)
    v.SetDefault("agent.addr", cfg.Agent.Addr)
    v.SetDefault("agent.pipe", cfg.Agent.Pipe)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("DTND_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `dtnd`
        v.SetConfigName("dtnd")
        v.AddConfigPath(".")
        v.AddConfigPath("/etc/dtnd")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".dtnd"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }

    c.Node.EID = strings.TrimSpace(c.Node.EID)
    if c.Node.EID == "" {
        return errors.New("node.eid must not be empty")
    }
    eid, err := bundle.Parse(c.Node.EID)
    if err != nil {
        return fmt.Errorf("invalid node.eid %q: %w", c.Node.EID, err)
    }
    if eid.IsNone() {
        return fmt.Errorf("node.eid %q is not a node identifier", c.Node.EID)
    }
    if eid.Application() != "" {
        return fmt.Errorf("node.eid %q must not carry an application suffix", c.Node.EID)
    }

    c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
    switch c.Storage.Backend {
    case "":
        c.Storage.Backend = "memory"
    case "memory":
        // ok
    case "disk":
        if strings.TrimSpace(c.Storage.Path) == "" {
            return errors.New("storage.path is required for the disk backend")
        }
    default:
        return fmt.Errorf("invalid storage.backend: %q", c.Storage.Backend)
    }
    if c.Storage.SweepIntervalSec <= 0 {
        c.Storage.SweepIntervalSec = 60
    }

    for i := range c.CL.Listen {
        if err := c.CL.Listen[i].normalize(); err != nil {
            return fmt.Errorf("cl.listen[%d]: %w", i, err)
        }
    }
    for i := range c.CL.Peers {
        if err := c.CL.Peers[i].normalize(); err != nil {
            return fmt.Errorf("cl.peers[%d]: %w", i, err)
        }
    }
    for i := range c.Discovery.Advertise {
        if err := c.Discovery.Advertise[i].normalize(); err != nil {
            return fmt.Errorf("discovery.advertise[%d]: %w", i, err)
        }
    }
    if c.Discovery.IntervalSec <= 0 {
        c.Discovery.IntervalSec = 10
    }
    if c.Discovery.Enabled && strings.TrimSpace(c.Discovery.Addr) == "" {
        return errors.New("discovery.addr must not be empty while discovery is enabled")
    }
    if c.Agent.Enabled && c.Agent.Addr == "" && c.Agent.Pipe == "" {
        return errors.New("agent needs an addr or a pipe while enabled")
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
