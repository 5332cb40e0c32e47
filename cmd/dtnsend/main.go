package main

import (
    "flag"
    "fmt"
    "io"
    "os"
    "strings"
    "time"

    "github.com/ateneo-isif/ibrdtn/pkg/agent"
    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
)

func main() {
    addr := flag.String("addr", "127.0.0.1:4550", "daemon attach address")
    app := flag.String("app", "dtnsend", "application suffix to register")
    dest := flag.String("dest", "", "destination endpoint, e.g. dtn://peer/inbox")
    lifetime := flag.Duration("lifetime", 0, "bundle lifetime (0 = daemon default)")
    hops := flag.Uint("hops", 0, "hop limit (0 = daemon default)")
    group := flag.Bool("group", false, "address every holder of the endpoint, not one node")
    report := flag.Bool("report", false, "request a delivery report and wait for it")
    wait := flag.Duration("wait", 30*time.Second, "how long to wait for the report")
    flag.Parse()

    if *dest == "" { fatalf("a destination is required, e.g. -dest dtn://peer/inbox") }
    dst, err := bundle.Parse(*dest)
    if err != nil { fatalf("destination: %v", err) }

    payload := []byte(strings.Join(flag.Args(), " "))
    if len(payload) == 0 {
        payload, err = io.ReadAll(os.Stdin)
        if err != nil { fatalf("read stdin: %v", err) }
    }

    c, err := agent.Dial(*addr)
    if err != nil { fatalf("attach to %s: %v", *addr, err) }
    defer c.Close()

    src, err := c.Register(*app)
    if err != nil { fatalf("register: %v", err) }

    id, err := c.Send(dst, payload, agent.SendOptions{
        Lifetime: *lifetime,
        Hops:     uint32(*hops),
        Group:    *group,
        Report:   *report,
    })
    if err != nil { fatalf("send: %v", err) }
    fmt.Printf("sent %d bytes from %s as %s\n", len(payload), src, id)

    if !*report { return }
    select {
    case n := <-c.Notices():
        fmt.Printf("delivered to %s, confirmed by %s\n", n.Endpoint, n.Peer)
    case <-time.After(*wait):
        fatalf("no delivery report after %s", *wait)
    }
}

func fatalf(format string, a ...any) {
    _, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
    os.Exit(1)
}
