package routing

import (
    "errors"
    "sync"
    "testing"
    "time"

    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
    "github.com/ateneo-isif/ibrdtn/pkg/storage/memstore"
)

// ---- fakes ----

type fakeStore struct {
    mu          sync.Mutex
    queryResult []bundle.Meta
    queries     int
    lastLimit   int
    metas       map[string]bundle.Meta
    removed     []bundle.ID
    removeErr   error
}

func (s *fakeStore) Query(f storage.Filter) []bundle.Meta {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.queries++
    s.lastLimit = f.Limit()
    return append([]bundle.Meta(nil), s.queryResult...)
}

func (s *fakeStore) GetMeta(id bundle.ID) (bundle.Meta, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    m, ok := s.metas[id.String()]
    if !ok {
        return bundle.Meta{}, storage.ErrNotFound
    }
    return m, nil
}

func (s *fakeStore) Remove(id bundle.ID) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.removed = append(s.removed, id)
    return s.removeErr
}

func (s *fakeStore) removedIDs() []bundle.ID {
    s.mu.Lock()
    defer s.mu.Unlock()
    return append([]bundle.ID(nil), s.removed...)
}

type fakeInitiator struct {
    mu    sync.Mutex
    calls []bundle.ID
    fail  map[string]error
}

func (i *fakeInitiator) Initiate(_ bundle.EID, m bundle.Meta) error {
    i.mu.Lock()
    defer i.mu.Unlock()
    i.calls = append(i.calls, m.ID)
    if i.fail != nil {
        if err, ok := i.fail[m.ID.String()]; ok {
            return err
        }
    }
    return nil
}

func (i *fakeInitiator) callIDs() []bundle.ID {
    i.mu.Lock()
    defer i.mu.Unlock()
    return append([]bundle.ID(nil), i.calls...)
}

type fakeNotifier struct {
    mu        sync.Mutex
    delivered []bundle.ID
}

func (n *fakeNotifier) Delivered(_ bundle.EID, m bundle.Meta) {
    n.mu.Lock()
    n.delivered = append(n.delivered, m.ID)
    n.mu.Unlock()
}

func testRouter(st Storage, ini TransferInitiator, nt DeliveryNotifier) *Router {
    return New(testLocal, Deps{
        Store:      st,
        DB:         NewDatabase(0),
        Transfer:   ini,
        Deliveries: nt,
        Log:        zap.NewNop(),
    })
}

func popAll(t *testing.T, q *TaskQueue) []Task {
    t.Helper()
    n := q.Len()
    out := make([]Task, 0, n)
    for i := 0; i < n; i++ {
        task, ok := q.Pop()
        if !ok {
            t.Fatalf("queue aborted while draining")
        }
        out = append(out, task)
    }
    return out
}

func waitDone(t *testing.T, r *Router) {
    t.Helper()
    ch := make(chan struct{})
    go func() { r.Wait(); close(ch) }()
    select {
    case <-ch:
    case <-time.After(2 * time.Second):
        t.Fatalf("worker did not exit")
    }
}

// ---- worker behavior ----

func TestProcessIncomingFansOutToAllNeighbors(t *testing.T) {
    st := &fakeStore{}
    r := testRouter(st, &fakeInitiator{}, nil)
    for _, n := range []bundle.EID{"dtn://n1", "dtn://n2", "dtn://n3"} {
        r.db.MarkAvailable(n)
    }
    if err := r.handle(ProcessIncomingTask{Meta: meta(1, "dtn://far", 0, 5), Origin: "dtn://n1"}); err != nil {
        t.Fatalf("handle: %v", err)
    }
    tasks := popAll(t, r.queue)
    if len(tasks) != 3 {
        t.Fatalf("expected one SearchNext per neighbor, got %d", len(tasks))
    }
    seen := map[bundle.EID]bool{}
    for _, task := range tasks {
        sn, ok := task.(SearchNextTask)
        if !ok {
            t.Fatalf("unexpected task kind %T", task)
        }
        seen[sn.Neighbor] = true
    }
    // The origin neighbor is offered the bundle too.
    if !seen["dtn://n1"] || !seen["dtn://n2"] || !seen["dtn://n3"] {
        t.Fatalf("missing neighbors in fan-out: %v", seen)
    }
}

func TestSearchNextInitiatesInStorageOrder(t *testing.T) {
    m1, m2, m3 := meta(1, "dtn://far", 0, 5), meta(2, "dtn://far", 0, 5), meta(3, "dtn://far", 0, 5)
    st := &fakeStore{queryResult: []bundle.Meta{m1, m2, m3}}
    ini := &fakeInitiator{fail: map[string]error{m2.ID.String(): ErrInTransit}}
    r := testRouter(st, ini, nil)
    r.db.MarkAvailable(testNeighbor)

    if err := r.handle(SearchNextTask{Neighbor: testNeighbor}); err != nil {
        t.Fatalf("handle: %v", err)
    }
    calls := ini.callIDs()
    if len(calls) != 3 {
        t.Fatalf("expected all 3 candidates attempted around the in-transit one, got %d", len(calls))
    }
    if calls[0] != m1.ID || calls[1] != m2.ID || calls[2] != m3.ID {
        t.Fatalf("initiation order broken: %v", calls)
    }
    if st.queries != 1 {
        t.Fatalf("exactly one storage query per task, got %d", st.queries)
    }
}

func TestSearchNextStopsBatchOnNoSlots(t *testing.T) {
    m1, m2, m3 := meta(1, "dtn://far", 0, 5), meta(2, "dtn://far", 0, 5), meta(3, "dtn://far", 0, 5)
    st := &fakeStore{queryResult: []bundle.Meta{m1, m2, m3}}
    ini := &fakeInitiator{fail: map[string]error{m2.ID.String(): ErrNoSlots}}
    r := testRouter(st, ini, nil)
    r.db.MarkAvailable(testNeighbor)

    if err := r.handle(SearchNextTask{Neighbor: testNeighbor}); err != nil {
        t.Fatalf("slot exhaustion must not fail the task: %v", err)
    }
    calls := ini.callIDs()
    if len(calls) != 2 {
        t.Fatalf("batch should stop at the no-slots candidate, got %d calls", len(calls))
    }
}

func TestSearchNextSwallowsMissingNeighbor(t *testing.T) {
    st := &fakeStore{queryResult: []bundle.Meta{meta(1, "dtn://far", 0, 5)}}
    r := testRouter(st, &fakeInitiator{}, nil)
    // No MarkAvailable: strict policy, the neighbor is gone.
    if err := r.handle(SearchNextTask{Neighbor: testNeighbor}); err != nil {
        t.Fatalf("missing neighbor must be swallowed: %v", err)
    }
    if st.queries != 0 {
        t.Fatalf("no storage query expected for a gone neighbor, got %d", st.queries)
    }
}

func TestSearchNextPropagatesUnexpectedFailure(t *testing.T) {
    errBoom := errors.New("link exploded")
    m1 := meta(1, "dtn://far", 0, 5)
    st := &fakeStore{queryResult: []bundle.Meta{m1}}
    ini := &fakeInitiator{fail: map[string]error{m1.ID.String(): errBoom}}
    r := testRouter(st, ini, nil)
    r.db.MarkAvailable(testNeighbor)

    err := r.handle(SearchNextTask{Neighbor: testNeighbor})
    if !errors.Is(err, errBoom) {
        t.Fatalf("expected the unexpected failure to escalate, got %v", err)
    }
}

func TestWorkerTerminatesOnUnexpectedFailure(t *testing.T) {
    m1 := meta(1, "dtn://far", 0, 5)
    st := &fakeStore{queryResult: []bundle.Meta{m1}}
    ini := &fakeInitiator{fail: map[string]error{m1.ID.String(): errors.New("boom")}}
    r := testRouter(st, ini, nil)
    r.db.MarkAvailable(testNeighbor)

    r.Start()
    r.Notify(NodeAvailableEvent{EID: testNeighbor})
    waitDone(t, r)
}

func TestWorkerStopsOnAbort(t *testing.T) {
    r := testRouter(&fakeStore{}, &fakeInitiator{}, nil)
    r.Start()
    r.Stop()
    waitDone(t, r)
}

// ---- classifier behavior ----

func TestClassifierBundleQueued(t *testing.T) {
    r := testRouter(&fakeStore{}, &fakeInitiator{}, nil)
    m := meta(4, "dtn://far", 0, 5)
    r.Notify(BundleQueuedEvent{Meta: m, Origin: "dtn://n1"})
    tasks := popAll(t, r.queue)
    if len(tasks) != 1 {
        t.Fatalf("expected one task, got %d", len(tasks))
    }
    pi, ok := tasks[0].(ProcessIncomingTask)
    if !ok {
        t.Fatalf("unexpected task kind %T", tasks[0])
    }
    if pi.Meta.ID != m.ID || pi.Origin != "dtn://n1" {
        t.Fatalf("task payload mismatch: %+v", pi)
    }
}

func TestClassifierCompletedSingletonDelivery(t *testing.T) {
    st := &fakeStore{}
    nt := &fakeNotifier{}
    r := testRouter(st, &fakeInitiator{}, nt)
    m := meta(5, "dtn://n1/app", bundle.FlagSingleton, 5)

    r.Notify(TransferCompletedEvent{Peer: "dtn://n1", Meta: m})

    if removed := st.removedIDs(); len(removed) != 1 || removed[0] != m.ID {
        t.Fatalf("expected exactly one removal of the delivered bundle, got %v", removed)
    }
    if len(nt.delivered) != 1 || nt.delivered[0] != m.ID {
        t.Fatalf("expected one delivery notification, got %v", nt.delivered)
    }
    tasks := popAll(t, r.queue)
    if len(tasks) != 1 {
        t.Fatalf("expected exactly one follow-up task, got %d", len(tasks))
    }
    if sn := tasks[0].(SearchNextTask); sn.Neighbor != "dtn://n1" {
        t.Fatalf("follow-up must target the delivering peer, got %v", sn.Neighbor)
    }
}

func TestClassifierCompletedNoEffectOutsideDelivery(t *testing.T) {
    st := &fakeStore{}
    r := testRouter(st, &fakeInitiator{}, nil)

    // Multicast bundle: completing a transfer is not a final delivery.
    r.Notify(TransferCompletedEvent{Peer: "dtn://n1", Meta: meta(6, "dtn://n1", 0, 5)})
    // Singleton, but the peer is not the destination node.
    r.Notify(TransferCompletedEvent{Peer: "dtn://n2", Meta: meta(7, "dtn://n1", bundle.FlagSingleton, 5)})

    if len(st.removedIDs()) != 0 {
        t.Fatalf("no removal expected, got %v", st.removedIDs())
    }
    if n := r.queue.Len(); n != 0 {
        t.Fatalf("no follow-up tasks expected, got %d", n)
    }
}

func TestClassifierCompletedToleratesRemoveRace(t *testing.T) {
    st := &fakeStore{removeErr: storage.ErrNotFound}
    nt := &fakeNotifier{}
    r := testRouter(st, &fakeInitiator{}, nt)
    m := meta(8, "dtn://n1", bundle.FlagSingleton, 5)

    r.Notify(TransferCompletedEvent{Peer: "dtn://n1", Meta: m})

    if len(nt.delivered) != 1 {
        t.Fatalf("delivery notification lost on remove race")
    }
    if n := r.queue.Len(); n != 1 {
        t.Fatalf("follow-up task lost on remove race, queue=%d", n)
    }
}

func TestClassifierAbortedReasons(t *testing.T) {
    follows := map[AbortReason]int{
        ReasonUndefined:      1,
        ReasonRetryLimit:     1,
        ReasonDeleted:        1,
        ReasonRefused:        1,
        ReasonConnectionDown: 0,
    }
    for reason, want := range follows {
        st := &fakeStore{}
        r := testRouter(st, &fakeInitiator{}, nil)
        r.Notify(TransferAbortedEvent{Peer: "dtn://n2", ID: bid(1), Reason: reason})
        if got := r.queue.Len(); got != want {
            t.Fatalf("reason %v: expected %d follow-up tasks, got %d", reason, want, got)
        }
    }
}

func TestClassifierRefusedRemovesSingletonForPeer(t *testing.T) {
    m := meta(9, "dtn://n2/app", bundle.FlagSingleton, 5)
    st := &fakeStore{metas: map[string]bundle.Meta{m.ID.String(): m}}
    r := testRouter(st, &fakeInitiator{}, nil)

    r.Notify(TransferAbortedEvent{Peer: "dtn://n2", ID: m.ID, Reason: ReasonRefused})

    if removed := st.removedIDs(); len(removed) != 1 || removed[0] != m.ID {
        t.Fatalf("expected exactly one removal, got %v", removed)
    }
    tasks := popAll(t, r.queue)
    if len(tasks) != 1 {
        t.Fatalf("expected one follow-up SearchNext, got %d", len(tasks))
    }
    if sn := tasks[0].(SearchNextTask); sn.Neighbor != "dtn://n2" {
        t.Fatalf("follow-up targets wrong neighbor: %v", sn.Neighbor)
    }
}

func TestClassifierRefusedKeepsForeignBundles(t *testing.T) {
    // Singleton for a different node: the refusal does not delete it.
    m := meta(10, "dtn://other", bundle.FlagSingleton, 5)
    st := &fakeStore{metas: map[string]bundle.Meta{m.ID.String(): m}}
    r := testRouter(st, &fakeInitiator{}, nil)
    r.Notify(TransferAbortedEvent{Peer: "dtn://n2", ID: m.ID, Reason: ReasonRefused})
    if len(st.removedIDs()) != 0 {
        t.Fatalf("refusal must not remove a bundle destined elsewhere")
    }
    if n := r.queue.Len(); n != 1 {
        t.Fatalf("still expected the follow-up task, got %d", n)
    }
}

func TestClassifierAvailabilityEvents(t *testing.T) {
    r := testRouter(&fakeStore{}, &fakeInitiator{}, nil)

    r.Notify(NodeAvailableEvent{EID: "dtn://n1"})
    r.Notify(ConnectionUpEvent{Peer: "dtn://n2"})
    r.Notify(NodeUnavailableEvent{EID: "dtn://n1"})
    r.Notify(ConnectionDownEvent{Peer: "dtn://n2"})

    tasks := popAll(t, r.queue)
    if len(tasks) != 2 {
        t.Fatalf("only available/up should enqueue, got %d tasks", len(tasks))
    }
}

// ---- end to end against the real store ----

func TestSearchNextAgainstMemstore(t *testing.T) {
    ms := memstore.New(memstore.Options{})
    defer ms.Close()
    ini := &fakeInitiator{}
    r := New(testLocal, Deps{Store: ms, DB: NewDatabase(0), Transfer: ini, Log: zap.NewNop()})
    r.db.MarkAvailable(testNeighbor)

    eligible := map[string]bool{}
    put := func(m bundle.Meta) {
        if err := ms.Store(bundle.Bundle{Meta: m}); err != nil {
            t.Fatalf("store %v: %v", m.ID, err)
        }
    }
    for seq := uint64(1); seq <= 3; seq++ {
        m := meta(seq, "dtn://far", 0, 8)
        put(m)
        eligible[m.ID.String()] = true
    }
    put(meta(4, "dtn://far", 0, 0))                          // spent hops
    put(meta(5, "dtn://local/app", bundle.FlagSingleton, 8)) // ours
    put(meta(6, "dtn://third", bundle.FlagSingleton, 8))     // someone else's
    direct := meta(7, "dtn://peer/inbox", bundle.FlagSingleton, 8)
    put(direct)
    eligible[direct.ID.String()] = true
    known := meta(8, "dtn://far", 0, 8)
    put(known)
    r.db.RecordKnown(testNeighbor, known.ID)

    if err := r.handle(SearchNextTask{Neighbor: testNeighbor}); err != nil {
        t.Fatalf("handle: %v", err)
    }
    calls := ini.callIDs()
    if len(calls) != len(eligible) {
        t.Fatalf("expected %d transfers, got %d (%v)", len(eligible), len(calls), calls)
    }
    for _, id := range calls {
        if !eligible[id.String()] {
            t.Fatalf("ineligible bundle offered: %v", id)
        }
    }
}

func TestSearchNextHonorsQueryCap(t *testing.T) {
    ms := memstore.New(memstore.Options{})
    defer ms.Close()
    ini := &fakeInitiator{}
    r := New(testLocal, Deps{Store: ms, DB: NewDatabase(0), Transfer: ini, Log: zap.NewNop()})
    r.db.MarkAvailable(testNeighbor)

    for seq := uint64(1); seq <= 15; seq++ {
        if err := ms.Store(bundle.Bundle{Meta: meta(seq, "dtn://far", 0, 8)}); err != nil {
            t.Fatalf("store: %v", err)
        }
    }
    if err := r.handle(SearchNextTask{Neighbor: testNeighbor}); err != nil {
        t.Fatalf("handle: %v", err)
    }
    if calls := ini.callIDs(); len(calls) != 10 {
        t.Fatalf("query cap of 10 not honored: %d transfers", len(calls))
    }
}
