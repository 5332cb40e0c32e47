package diskstore

import (
    "bytes"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
)

func mkBundle(seq uint64, payload []byte) bundle.Bundle {
    return bundle.Bundle{
        Meta: bundle.Meta{
            ID:          bundle.ID{Source: "dtn://src", Timestamp: 2000, Sequence: seq},
            Destination: "dtn://dst",
            HopsLeft:    4,
            Lifetime:    time.Hour,
            Received:    time.Now(),
        },
        Payload: payload,
    }
}

type allFilter struct{ limit int }

func (f allFilter) Limit() int                 { return f.limit }
func (f allFilter) Accepts(bundle.Meta) bool   { return true }

func TestDiskStoreRoundTrip(t *testing.T) {
    s, err := Open(Options{Path: t.TempDir()})
    if err != nil {
        t.Fatalf("Open: %v", err)
    }
    defer s.Close()

    b := mkBundle(1, []byte("persisted"))
    if err := s.Store(b); err != nil {
        t.Fatalf("Store: %v", err)
    }
    if err := s.Store(b); !errors.Is(err, storage.ErrDuplicate) {
        t.Fatalf("expected ErrDuplicate, got %v", err)
    }
    got, err := s.Get(b.Meta.ID)
    if err != nil {
        t.Fatalf("Get: %v", err)
    }
    if !bytes.Equal(got.Payload, b.Payload) {
        t.Fatalf("payload mismatch: %q", got.Payload)
    }
    if s.Count() != 1 {
        t.Fatalf("Count=1 expected, got %d", s.Count())
    }
    if err := s.Remove(b.Meta.ID); err != nil {
        t.Fatalf("Remove: %v", err)
    }
    if err := s.Remove(b.Meta.ID); !errors.Is(err, storage.ErrNotFound) {
        t.Fatalf("expected ErrNotFound, got %v", err)
    }
}

func TestDiskStoreQueryLimit(t *testing.T) {
    s, err := Open(Options{Path: t.TempDir()})
    if err != nil {
        t.Fatalf("Open: %v", err)
    }
    defer s.Close()

    for i := 0; i < 15; i++ {
        if err := s.Store(mkBundle(uint64(i), []byte("x"))); err != nil {
            t.Fatalf("Store #%d: %v", i, err)
        }
    }
    if got := s.Query(allFilter{limit: 10}); len(got) != 10 {
        t.Fatalf("expected 10 capped results, got %d", len(got))
    }
    if got := s.Query(allFilter{limit: 50}); len(got) != 15 {
        t.Fatalf("expected all 15, got %d", len(got))
    }
}

func TestDiskStoreSweepExpires(t *testing.T) {
    var mu sync.Mutex
    var evicted []bundle.ID
    s, err := Open(Options{
        Path:          t.TempDir(),
        SweepInterval: 20 * time.Millisecond,
        OnEvict: func(m bundle.Meta) {
            mu.Lock()
            evicted = append(evicted, m.ID)
            mu.Unlock()
        },
    })
    if err != nil {
        t.Fatalf("Open: %v", err)
    }
    defer s.Close()

    brief := mkBundle(7, []byte("v"))
    brief.Meta.Lifetime = 30 * time.Millisecond
    if err := s.Store(brief); err != nil {
        t.Fatalf("Store: %v", err)
    }
    if err := s.Store(mkBundle(8, []byte("v"))); err != nil {
        t.Fatalf("Store: %v", err)
    }

    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        mu.Lock()
        n := len(evicted)
        mu.Unlock()
        if n > 0 { break }
        time.Sleep(5 * time.Millisecond)
    }
    mu.Lock()
    if len(evicted) != 1 || evicted[0] != brief.Meta.ID {
        mu.Unlock()
        t.Fatalf("evictions = %v", evicted)
    }
    mu.Unlock()
    if _, err := s.Get(brief.Meta.ID); !errors.Is(err, storage.ErrNotFound) {
        t.Fatalf("expired bundle still readable: %v", err)
    }
    if s.Count() != 1 {
        t.Fatalf("Count=1 expected after sweep, got %d", s.Count())
    }
}

func TestDiskStoreReopenKeepsCount(t *testing.T) {
    dir := t.TempDir()
    s, err := Open(Options{Path: dir})
    if err != nil {
        t.Fatalf("Open: %v", err)
    }
    for i := 0; i < 3; i++ {
        if err := s.Store(mkBundle(uint64(i), nil)); err != nil {
            t.Fatalf("Store: %v", err)
        }
    }
    if err := s.Close(); err != nil {
        t.Fatalf("Close: %v", err)
    }
    s2, err := Open(Options{Path: dir})
    if err != nil {
        t.Fatalf("reopen: %v", err)
    }
    defer s2.Close()
    if s2.Count() != 3 {
        t.Fatalf("Count=3 expected after reopen, got %d", s2.Count())
    }
}
