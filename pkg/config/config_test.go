package config

import (
    "os"
    "path/filepath"
    "strings"
    "testing"
)

func TestDefaultValidates(t *testing.T) {
    cfg := Default()
    if err := cfg.validate(); err != nil {
        t.Fatalf("default config invalid: %v", err)
    }
    if !strings.HasPrefix(cfg.Node.EID, "dtn://") {
        t.Fatalf("default eid %q lacks scheme", cfg.Node.EID)
    }
    if len(cfg.CL.Listen) == 0 {
        t.Fatalf("default config has no cl listener")
    }
}

func TestLoadFileMergesWithDefaults(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "dtnd.yaml")
    yaml := `
node:
  eid: dtn://alpha
storage:
  backend: disk
  path: /var/lib/dtnd
cl:
  listen:
    - kind: MTCP
      addr: ":4556"
  peers:
    - kind: quic
      addr: "10.1.1.9:4557"
`
    if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
        t.Fatalf("write config: %v", err)
    }

    cfg, err := Load(path)
    if err != nil {
        t.Fatalf("load: %v", err)
    }
    if cfg.Node.EID != "dtn://alpha" {
        t.Fatalf("eid = %q", cfg.Node.EID)
    }
    if cfg.Storage.Backend != "disk" || cfg.Storage.Path != "/var/lib/dtnd" {
        t.Fatalf("storage = %+v", cfg.Storage)
    }
    if cfg.CL.Listen[0].Kind != "mtcp" {
        t.Fatalf("listener kind not normalized: %q", cfg.CL.Listen[0].Kind)
    }
    if len(cfg.CL.Peers) != 1 || cfg.CL.Peers[0].Addr != "10.1.1.9:4557" {
        t.Fatalf("peers = %+v", cfg.CL.Peers)
    }
    // untouched sections keep their defaults
    if cfg.Log.Level != "info" || cfg.Routing.MaxTransfers != 5 {
        t.Fatalf("defaults lost: log=%+v routing=%+v", cfg.Log, cfg.Routing)
    }
}

func TestEnvOverridesFile(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "dtnd.yaml")
    if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644); err != nil {
        t.Fatalf("write config: %v", err)
    }
    t.Setenv("DTND_LOG_LEVEL", "debug")
    t.Setenv("DTND_ROUTING_MAX_TRANSFERS", "9")

    cfg, err := Load(path)
    if err != nil {
        t.Fatalf("load: %v", err)
    }
    if cfg.Log.Level != "debug" {
        t.Fatalf("env override lost, level = %q", cfg.Log.Level)
    }
    if cfg.Routing.MaxTransfers != 9 {
        t.Fatalf("env override lost, max_transfers = %d", cfg.Routing.MaxTransfers)
    }
}

func TestEnvConfigPath(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "other.yaml")
    if err := os.WriteFile(path, []byte("node:\n  eid: dtn://beta\n"), 0o644); err != nil {
        t.Fatalf("write config: %v", err)
    }
    t.Setenv("DTND_CONFIG", path)

    cfg, err := Load("")
    if err != nil {
        t.Fatalf("load: %v", err)
    }
    if cfg.Node.EID != "dtn://beta" {
        t.Fatalf("eid = %q", cfg.Node.EID)
    }
}

func TestValidateRejections(t *testing.T) {
    cases := []struct {
        name   string
        mutate func(c *Config)
    }{
        {"bad level", func(c *Config) { c.Log.Level = "loud" }},
        {"empty eid", func(c *Config) { c.Node.EID = "" }},
        {"bad eid", func(c *Config) { c.Node.EID = "udp://alpha" }},
        {"app suffix", func(c *Config) { c.Node.EID = "dtn://alpha/ping" }},
        {"null eid", func(c *Config) { c.Node.EID = "dtn:none" }},
        {"bad backend", func(c *Config) { c.Storage.Backend = "tape" }},
        {"disk without path", func(c *Config) { c.Storage.Backend = "disk"; c.Storage.Path = " " }},
        {"listener without kind", func(c *Config) { c.CL.Listen = []Endpoint{{Addr: ":4556"}} }},
        {"peer without addr", func(c *Config) { c.CL.Peers = []Endpoint{{Kind: "mtcp"}} }},
        {"discovery without addr", func(c *Config) { c.Discovery.Addr = "" }},
        {"agent without listener", func(c *Config) { c.Agent.Addr = ""; c.Agent.Pipe = "" }},
    }
    for _, tc := range cases {
        cfg := Default()
        tc.mutate(cfg)
        if err := cfg.validate(); err == nil {
            t.Fatalf("%s: validate accepted bad config", tc.name)
        }
    }
}

func TestValidateNormalizes(t *testing.T) {
    cfg := Default()
    cfg.Storage.Backend = ""
    cfg.Storage.SweepIntervalSec = 0
    cfg.Discovery.IntervalSec = -1
    cfg.CL.Peers = []Endpoint{{Kind: "  QUIC ", Addr: " 10.0.0.2:4557 "}}
    if err := cfg.validate(); err != nil {
        t.Fatalf("validate: %v", err)
    }
    if cfg.Storage.Backend != "memory" || cfg.Storage.SweepIntervalSec != 60 {
        t.Fatalf("storage not normalized: %+v", cfg.Storage)
    }
    if cfg.Discovery.IntervalSec != 10 {
        t.Fatalf("interval not normalized: %d", cfg.Discovery.IntervalSec)
    }
    if cfg.CL.Peers[0].Kind != "quic" || cfg.CL.Peers[0].Addr != "10.0.0.2:4557" {
        t.Fatalf("endpoint not normalized: %+v", cfg.CL.Peers[0])
    }
}
