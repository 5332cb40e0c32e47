package config

// DiscoveryConfig configures UDP neighbor discovery beacons.
type DiscoveryConfig struct {
    Enabled bool `mapstructure:"enabled"`
    // Addr is the multicast or broadcast group the beacons use
    Addr string `mapstructure:"addr"`
    // IntervalSec is the beacon period; peers expire after three silent periods
    IntervalSec int `mapstructure:"interval_sec"`
    // Connect dials discovered neighbors automatically
    Connect bool `mapstructure:"connect"`
    // Advertise overrides the advertised endpoints; empty means the
    // configured cl.listen endpoints
    Advertise []Endpoint `mapstructure:"advertise"`
}

// AgentConfig configures the local application endpoint API.
type AgentConfig struct {
    Enabled bool `mapstructure:"enabled"`
    // Addr is the TCP listen address for local applications
    Addr string `mapstructure:"addr"`
    // Pipe is an additional named-pipe listener (Windows only)
    Pipe string `mapstructure:"pipe"`
}
