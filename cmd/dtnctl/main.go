package main

import (
    "flag"
    "fmt"
    "os"

    "github.com/ateneo-isif/ibrdtn/pkg/agent"
)

func main() {
    addr := flag.String("addr", "127.0.0.1:4550", "daemon attach address")
    flag.Parse()

    c, err := agent.Dial(*addr)
    if err != nil { fatalf("attach to %s: %v", *addr, err) }
    defer c.Close()

    rows, err := c.Neighbors()
    if err != nil { fatalf("neighbors: %v", err) }
    if len(rows) == 0 {
        fmt.Println("no neighbors")
        return
    }
    fmt.Println("Neighbors:")
    for _, r := range rows {
        state := "discovered"
        if r.Connected { state = "connected" }
        fmt.Printf("- %s %s", r.EID, state)
        for _, s := range r.Services { fmt.Printf(" %s=%s", s.Kind, s.Addr) }
        fmt.Println()
    }
}

func fatalf(format string, a ...any) {
    _, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
    os.Exit(1)
}
