package main

import (
    "flag"
    "fmt"
    "os"

    "github.com/ateneo-isif/ibrdtn/pkg/agent"
)

func main() {
    addr := flag.String("addr", "127.0.0.1:4550", "daemon attach address")
    app := flag.String("app", "dtnrecv", "application suffix to register")
    count := flag.Int("count", 1, "bundles to receive before exiting, 0 for no limit")
    timeout := flag.Duration("timeout", 0, "give up after this long without a bundle, 0 blocks")
    meta := flag.Bool("meta", false, "print bundle metadata to stderr")
    flag.Parse()

    c, err := agent.Dial(*addr)
    if err != nil { fatalf("attach to %s: %v", *addr, err) }
    defer c.Close()

    endpoint, err := c.Register(*app)
    if err != nil { fatalf("register: %v", err) }
    fmt.Fprintf(os.Stderr, "listening on %s\n", endpoint)

    for n := 0; *count == 0 || n < *count; n++ {
        b, err := c.Next(*timeout)
        if err != nil { fatalf("receive: %v", err) }
        if *meta {
            fmt.Fprintf(os.Stderr, "bundle %s, %d bytes\n", b.Meta.ID, len(b.Payload))
        }
        if _, err := os.Stdout.Write(b.Payload); err != nil { fatalf("write payload: %v", err) }
    }
}

func fatalf(format string, a ...any) {
    _, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
    os.Exit(1)
}
