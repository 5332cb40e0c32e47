package config

import (
    "errors"
    "strings"
)

// Endpoint names one convergence-layer socket as a kind plus an address.
// Example YAML:
// cl:
//   listen:
//     - kind: mtcp
//       addr: ":4556"
//     - kind: quic
//       addr: ":4557"
//   peers:
//     - kind: mtcp
//       addr: "10.0.0.2:4556"
type Endpoint struct {
    Kind string `mapstructure:"kind"`
    Addr string `mapstructure:"addr"`
}

func (e *Endpoint) normalize() error {
    e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
    e.Addr = strings.TrimSpace(e.Addr)
    if e.Kind == "" {
        return errors.New("missing kind")
    }
    if e.Addr == "" {
        return errors.New("missing addr")
    }
    return nil
}

// CLConfig configures convergence-layer listeners, the static neighbors
// dialed at startup, and the redial backoff. Dial attempts carry a fixed
// twenty percent jitter either way around the current backoff.
type CLConfig struct {
    Listen []Endpoint `mapstructure:"listen"`
    Peers  []Endpoint `mapstructure:"peers"`

    DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
    DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
}
