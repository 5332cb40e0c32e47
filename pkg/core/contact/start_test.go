package contact

import (
    "context"
    "testing"
    "time"

    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/cl"
    "github.com/ateneo-isif/ibrdtn/pkg/config"
    "github.com/ateneo-isif/ibrdtn/pkg/routing"
    "github.com/ateneo-isif/ibrdtn/pkg/storage/memstore"
)

func newNode(t *testing.T, eid bundle.EID) *cl.Manager {
    t.Helper()
    ms := memstore.New(memstore.Options{})
    t.Cleanup(ms.Close)
    mgr := cl.NewManager(cl.ManagerOptions{
        Local:    eid,
        Software: "dtnd/test",
        Store:    ms,
        DB:       routing.NewDatabase(0),
        Log:      zap.NewNop(),
    })
    t.Cleanup(mgr.Close)
    return mgr
}

func startRuntime(t *testing.T, cfg config.CLConfig, deps Deps) *Runtime {
    t.Helper()
    rt, err := Start(context.Background(), cfg, deps)
    if err != nil {
        t.Fatalf("start: %v", err)
    }
    t.Cleanup(rt.Stop)
    return rt
}

func waitUntil(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

func TestStaticPeerConnects(t *testing.T) {
    fac := &Factory{}
    mgrA := newNode(t, "dtn://a")
    mgrB := newNode(t, "dtn://b")

    rtA := startRuntime(t, config.CLConfig{
        Listen: []config.Endpoint{{Kind: "mem", Addr: "node-a"}},
    }, Deps{Manager: mgrA, Factory: fac, Log: zap.NewNop()})
    if rtA.ActiveListeners() != 1 {
        t.Fatalf("listeners = %d", rtA.ActiveListeners())
    }

    rtB := startRuntime(t, config.CLConfig{
        Peers: []config.Endpoint{{Kind: "mem", Addr: "node-a"}},
    }, Deps{Manager: mgrB, Factory: fac, Log: zap.NewNop()})

    waitUntil(t, "session up both ways", func() bool {
        return mgrA.Connected("dtn://b") && mgrB.Connected("dtn://a")
    })
    if rtB.ActiveDials() != 1 {
        t.Fatalf("dials = %d", rtB.ActiveDials())
    }
}

func TestConnectNodeUsesBookRecord(t *testing.T) {
    fac := &Factory{}
    mgrA := newNode(t, "dtn://a")
    mgrB := newNode(t, "dtn://b")
    book := NewNodeBook(zap.NewNop())
    t.Cleanup(book.Close)

    startRuntime(t, config.CLConfig{
        Listen: []config.Endpoint{{Kind: "mem", Addr: "node-a"}},
    }, Deps{Manager: mgrA, Factory: fac, Log: zap.NewNop()})

    rtB := startRuntime(t, config.CLConfig{}, Deps{
        Manager: mgrB, Book: book, Factory: fac, Log: zap.NewNop(),
    })

    book.Observe("dtn://a", []Service{
        {Kind: "telegraph", Addr: "hill-4"},  // unknown kind, must fall through
        {Kind: "mtcp", Addr: "127.0.0.1:1"},  // nothing listening, must fall through
        {Kind: "mem", Addr: "node-a"},
    }, time.Minute)
    rtB.ConnectNode("dtn://a")

    waitUntil(t, "discovered node connected", func() bool {
        return mgrB.Connected("dtn://a")
    })
}

func TestConnectNodeWithoutRecordEnds(t *testing.T) {
    fac := &Factory{}
    mgrB := newNode(t, "dtn://b")
    book := NewNodeBook(zap.NewNop())
    t.Cleanup(book.Close)

    rtB := startRuntime(t, config.CLConfig{}, Deps{
        Manager: mgrB, Book: book, Factory: fac, Log: zap.NewNop(),
    })
    rtB.ConnectNode("dtn://ghost")

    waitUntil(t, "dial loop exit", func() bool {
        return rtB.ActiveDials() == 0
    })
    if mgrB.Connected("dtn://ghost") {
        t.Fatalf("phantom connection")
    }
}

func TestStartSkipsUnknownListenerKind(t *testing.T) {
    mgr := newNode(t, "dtn://solo")
    rt := startRuntime(t, config.CLConfig{
        Listen: []config.Endpoint{{Kind: "smoke-signal", Addr: "hill"}},
        Peers:  []config.Endpoint{{Kind: "smoke-signal", Addr: "valley"}},
    }, Deps{Manager: mgr, Log: zap.NewNop()})

    if rt.ActiveListeners() != 0 || rt.ActiveDials() != 0 {
        t.Fatalf("listeners=%d dials=%d for unknown kind", rt.ActiveListeners(), rt.ActiveDials())
    }
}

func TestStopEndsAcceptLoops(t *testing.T) {
    fac := &Factory{}
    mgr := newNode(t, "dtn://a")
    rt := startRuntime(t, config.CLConfig{
        Listen: []config.Endpoint{{Kind: "mem", Addr: "stop-me"}},
    }, Deps{Manager: mgr, Factory: fac, Log: zap.NewNop()})

    waitUntil(t, "listener up", func() bool { return rt.ActiveListeners() == 1 })
    rt.Stop()
    waitUntil(t, "listener down", func() bool { return rt.ActiveListeners() == 0 })
}
