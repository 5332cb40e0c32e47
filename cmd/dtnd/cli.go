package main

import "flag"

// Options holds CLI options for the daemon.
type Options struct {
    ConfigPath string
    EID        string
    LogLevel   string
    Version    bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
    fs := flag.NewFlagSet("dtnd", flag.ExitOnError)
    var opts Options
    fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
    fs.StringVar(&opts.EID, "eid", "", "Node endpoint identifier, overrides node.eid")
    fs.StringVar(&opts.LogLevel, "log-level", "", "Log level, overrides log.level")
    fs.BoolVar(&opts.Version, "version", false, "Print the version and exit")
    _ = fs.Parse(args)
    return opts
}
