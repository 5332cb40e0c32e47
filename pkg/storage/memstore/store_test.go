package memstore

import (
    "bytes"
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
)

func mkBundle(seq uint64, dest bundle.EID, payload []byte) bundle.Bundle {
    return bundle.Bundle{
        Meta: bundle.Meta{
            ID:          bundle.ID{Source: "dtn://src", Timestamp: 1000, Sequence: seq},
            Destination: dest,
            HopsLeft:    8,
            Lifetime:    time.Hour,
            Received:    time.Now(),
        },
        Payload: payload,
    }
}

type allFilter struct{ limit int }

func (f allFilter) Limit() int                  { return f.limit }
func (f allFilter) Accepts(_ bundle.Meta) bool { return true }

func TestStoreGetRemove(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    b := mkBundle(1, "dtn://dst", []byte("payload"))
    if err := s.Store(b); err != nil {
        t.Fatalf("Store: %v", err)
    }
    got, err := s.Get(b.Meta.ID)
    if err != nil {
        t.Fatalf("Get: %v", err)
    }
    if !bytes.Equal(got.Payload, b.Payload) {
        t.Fatalf("payload mismatch: %q", got.Payload)
    }
    if err := s.Store(b); !errors.Is(err, storage.ErrDuplicate) {
        t.Fatalf("expected ErrDuplicate, got %v", err)
    }
    if err := s.Remove(b.Meta.ID); err != nil {
        t.Fatalf("Remove: %v", err)
    }
    if err := s.Remove(b.Meta.ID); !errors.Is(err, storage.ErrNotFound) {
        t.Fatalf("expected ErrNotFound on second remove, got %v", err)
    }
    if s.Count() != 0 {
        t.Fatalf("Count=0 expected, got %d", s.Count())
    }
}

func TestQueryLimitAcrossShards(t *testing.T) {
    s := New(Options{Shards: 8})
    defer s.Close()

    for i := 0; i < 25; i++ {
        if err := s.Store(mkBundle(uint64(i), "dtn://dst", []byte("x"))); err != nil {
            t.Fatalf("Store #%d: %v", i, err)
        }
    }
    got := s.Query(allFilter{limit: 10})
    if len(got) != 10 {
        t.Fatalf("expected limit-capped result of 10, got %d", len(got))
    }
    all := s.Query(allFilter{limit: 100})
    if len(all) != 25 {
        t.Fatalf("expected all 25 bundles, got %d", len(all))
    }
}

func TestQueryFilterApplies(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    s.Store(mkBundle(1, "dtn://a", nil))
    s.Store(mkBundle(2, "dtn://b", nil))
    s.Store(mkBundle(3, "dtn://a", nil))

    f := destFilter{dest: "dtn://a", limit: 10}
    got := s.Query(f)
    if len(got) != 2 {
        t.Fatalf("expected 2 matches, got %d", len(got))
    }
    for _, m := range got {
        if m.Destination != "dtn://a" {
            t.Fatalf("filter leaked %v", m.Destination)
        }
    }
}

type destFilter struct {
    dest  bundle.EID
    limit int
}

func (f destFilter) Limit() int                 { return f.limit }
func (f destFilter) Accepts(m bundle.Meta) bool { return m.Destination == f.dest }

func TestLifetimeExpiry(t *testing.T) {
    var mu sync.Mutex
    var evicted []bundle.ID
    s := New(Options{OnEvict: func(m bundle.Meta) {
        mu.Lock()
        evicted = append(evicted, m.ID)
        mu.Unlock()
    }})
    defer s.Close()

    b := mkBundle(9, "dtn://dst", []byte("v"))
    b.Meta.Lifetime = 40 * time.Millisecond
    if err := s.Store(b); err != nil {
        t.Fatalf("Store: %v", err)
    }
    if _, err := s.Get(b.Meta.ID); err != nil {
        t.Fatalf("expected bundle present before expiry: %v", err)
    }
    time.Sleep(150 * time.Millisecond)
    if _, err := s.Get(b.Meta.ID); !errors.Is(err, storage.ErrNotFound) {
        t.Fatalf("expected bundle expired, got %v", err)
    }
    mu.Lock()
    n := len(evicted)
    mu.Unlock()
    if n != 1 {
        t.Fatalf("expected 1 eviction callback, got %d", n)
    }
    st := s.Metrics()
    if st.Expired == 0 {
        t.Fatalf("expected Expired > 0, got %d", st.Expired)
    }
}

func TestCapacityLimits(t *testing.T) {
    s := New(Options{MaxBundles: 2})
    defer s.Close()
    for i := 0; i < 2; i++ {
        if err := s.Store(mkBundle(uint64(i), "dtn://dst", nil)); err != nil {
            t.Fatalf("Store #%d: %v", i, err)
        }
    }
    if err := s.Store(mkBundle(99, "dtn://dst", nil)); !errors.Is(err, storage.ErrStorageFull) {
        t.Fatalf("expected ErrStorageFull at bundle cap, got %v", err)
    }

    sb := New(Options{MaxBytes: 64})
    defer sb.Close()
    if err := sb.Store(mkBundle(1, "dtn://dst", bytes.Repeat([]byte{'x'}, 50))); err != nil {
        t.Fatalf("initial store: %v", err)
    }
    if err := sb.Store(mkBundle(2, "dtn://dst", bytes.Repeat([]byte{'y'}, 20))); !errors.Is(err, storage.ErrStorageFull) {
        t.Fatalf("expected ErrStorageFull at byte cap, got %v", err)
    }
    st := sb.Metrics()
    if st.Bytes != 50 || st.Bundles != 1 {
        t.Fatalf("metrics mismatch after rejected store: Bytes=%d Bundles=%d", st.Bytes, st.Bundles)
    }
}

func TestConcurrentStoreRemove(t *testing.T) {
    s := New(Options{Shards: 16})
    defer s.Close()

    var wg sync.WaitGroup
    for w := 0; w < 8; w++ {
        wg.Add(1)
        go func(w int) {
            defer wg.Done()
            for i := 0; i < 50; i++ {
                b := mkBundle(uint64(i), bundle.EID(fmt.Sprintf("dtn://w%d", w)), []byte("p"))
                b.Meta.ID.Source = bundle.EID(fmt.Sprintf("dtn://src%d", w))
                if err := s.Store(b); err != nil {
                    t.Errorf("Store: %v", err)
                    return
                }
                if err := s.Remove(b.Meta.ID); err != nil {
                    t.Errorf("Remove: %v", err)
                    return
                }
            }
        }(w)
    }
    wg.Wait()
    if s.Count() != 0 {
        t.Fatalf("Count=0 expected after balanced store/remove, got %d", s.Count())
    }
}
