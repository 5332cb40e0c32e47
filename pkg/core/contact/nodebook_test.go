package contact

import (
    "errors"
    "testing"
    "time"

    "go.uber.org/zap"
)

func TestNodeBookObserveAndGet(t *testing.T) {
    b := NewNodeBook(zap.NewNop())
    defer b.Close()

    svcs := []Service{{Kind: "mtcp", Addr: "10.0.0.7:4556"}, {Kind: "quic", Addr: "10.0.0.7:4557"}}
    if !b.Observe("dtn://node7/app", svcs, time.Minute) {
        t.Fatalf("first observation not reported as new")
    }
    if b.Observe("dtn://node7", svcs, time.Minute) {
        t.Fatalf("refresh reported as new")
    }

    rec, ok := b.Get("dtn://node7")
    if !ok {
        t.Fatalf("record missing")
    }
    if rec.EID != "dtn://node7" {
        t.Fatalf("record keyed by %q, want node eid", rec.EID)
    }
    if len(rec.Services) != 2 || rec.Services[0].Kind != "mtcp" || rec.Services[1].Addr != "10.0.0.7:4557" {
        t.Fatalf("services = %+v", rec.Services)
    }
    if rec.LastSeen.IsZero() {
        t.Fatalf("last seen not set")
    }
}

func TestNodeBookExpiry(t *testing.T) {
    b := NewNodeBook(zap.NewNop())
    defer b.Close()

    b.Observe("dtn://brief", nil, 30*time.Millisecond)
    if _, ok := b.Get("dtn://brief"); !ok {
        t.Fatalf("record expired immediately")
    }
    time.Sleep(60 * time.Millisecond)
    if _, ok := b.Get("dtn://brief"); ok {
        t.Fatalf("record survived its ttl")
    }
    if !b.Observe("dtn://brief", nil, time.Minute) {
        t.Fatalf("reappearing node not reported as new")
    }
}

func TestNodeBookListSorted(t *testing.T) {
    b := NewNodeBook(zap.NewNop())
    defer b.Close()

    b.Observe("dtn://charlie", nil, time.Minute)
    b.Observe("dtn://alpha", []Service{{Kind: "mem", Addr: "alpha"}}, time.Minute)
    b.Observe("dtn://bravo", nil, time.Minute)

    recs := b.List()
    if len(recs) != 3 {
        t.Fatalf("list returned %d records", len(recs))
    }
    want := []string{"dtn://alpha", "dtn://bravo", "dtn://charlie"}
    for i, w := range want {
        if string(recs[i].EID) != w {
            t.Fatalf("list[%d] = %q, want %q", i, recs[i].EID, w)
        }
    }
    if recs[0].Services[0].Addr != "alpha" {
        t.Fatalf("services lost in listing: %+v", recs[0])
    }
}

func TestFactoryKinds(t *testing.T) {
    f := &Factory{}

    mem1, err := f.NewByKind("mem")
    if err != nil {
        t.Fatalf("mem: %v", err)
    }
    mem2, err := f.NewByKind("inproc")
    if err != nil {
        t.Fatalf("inproc: %v", err)
    }
    if mem1 != mem2 {
        t.Fatalf("mem layer not shared between aliases")
    }

    tcp1, _ := f.NewByKind("mtcp")
    tcp2, _ := f.NewByKind("tcp")
    if tcp1 != tcp2 {
        t.Fatalf("mtcp layer not shared between aliases")
    }

    _, err = f.NewByKind("carrier-pigeon")
    var unknown ErrUnknownKind
    if !errors.As(err, &unknown) {
        t.Fatalf("unknown kind error = %v", err)
    }
}
