package diskstore

import (
    "errors"
    "sync"
    "sync/atomic"
    "time"

    "github.com/cockroachdb/pebble"
    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
)

// Options tune the on-disk bundle store.
type Options struct {
    Path          string
    SweepInterval time.Duration // lifetime sweep period (default 1m)

    // OnEvict runs for every bundle removed by the lifetime sweep. May be nil.
    OnEvict func(m bundle.Meta)
}

var keyPrefix = []byte("b:")

// Store persists complete bundles in a Pebble keyspace, one record per
// bundle identity, values encoded with the canonical bundle codec.
// Lifetime expiry runs as a periodic sweep rather than a deadline heap;
// a crashed daemon then drops stale bundles on the first sweep after
// reopening.
type Store struct {
    db      *pebble.DB
    opts    Options
    writeMu sync.Mutex
    count   atomic.Int64
    closeCh chan struct{}
    wg      sync.WaitGroup
}

func Open(opts Options) (*Store, error) {
    if opts.SweepInterval <= 0 { opts.SweepInterval = time.Minute }
    db, err := pebble.Open(opts.Path, &pebble.Options{})
    if err != nil { return nil, err }
    s := &Store{db: db, opts: opts, closeCh: make(chan struct{})}
    n, err := s.scanCount()
    if err != nil {
        _ = db.Close()
        return nil, err
    }
    s.count.Store(n)
    s.wg.Add(1)
    go s.sweeper()
    return s, nil
}

func (s *Store) Close() error {
    close(s.closeCh)
    s.wg.Wait()
    return s.db.Close()
}

func keyFor(id bundle.ID) []byte { return append(append([]byte{}, keyPrefix...), id.String()...) }

func upperBound() []byte {
    ub := append([]byte{}, keyPrefix...)
    ub[len(ub)-1]++
    return ub
}

func (s *Store) scanCount() (int64, error) {
    it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: upperBound()})
    if err != nil { return 0, err }
    defer it.Close()
    var n int64
    for it.First(); it.Valid(); it.Next() { n++ }
    return n, it.Error()
}

func (s *Store) Store(b bundle.Bundle) error {
    data, err := bundle.Encode(b)
    if err != nil { return err }
    key := keyFor(b.Meta.ID)
    s.writeMu.Lock()
    defer s.writeMu.Unlock()
    _, closer, err := s.db.Get(key)
    if err == nil {
        _ = closer.Close()
        return storage.ErrDuplicate
    }
    if !errors.Is(err, pebble.ErrNotFound) { return err }
    if err := s.db.Set(key, data, pebble.Sync); err != nil { return err }
    s.count.Add(1)
    return nil
}

func (s *Store) Get(id bundle.ID) (bundle.Bundle, error) {
    val, closer, err := s.db.Get(keyFor(id))
    if errors.Is(err, pebble.ErrNotFound) { return bundle.Bundle{}, storage.ErrNotFound }
    if err != nil { return bundle.Bundle{}, err }
    data := append([]byte{}, val...)
    _ = closer.Close()
    b, err := bundle.Decode(data)
    if err != nil { return bundle.Bundle{}, err }
    if b.Meta.Expired(time.Now()) { return bundle.Bundle{}, storage.ErrNotFound }
    return b, nil
}

func (s *Store) GetMeta(id bundle.ID) (bundle.Meta, error) {
    b, err := s.Get(id)
    if err != nil { return bundle.Meta{}, err }
    return b.Meta, nil
}

func (s *Store) Remove(id bundle.ID) error {
    key := keyFor(id)
    s.writeMu.Lock()
    defer s.writeMu.Unlock()
    _, closer, err := s.db.Get(key)
    if errors.Is(err, pebble.ErrNotFound) { return storage.ErrNotFound }
    if err != nil { return err }
    _ = closer.Close()
    if err := s.db.Delete(key, pebble.Sync); err != nil { return err }
    s.count.Add(-1)
    return nil
}

// Query walks the bundle keyspace in key order and stops at the filter cap.
func (s *Store) Query(f storage.Filter) []bundle.Meta {
    it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: upperBound()})
    if err != nil {
        zap.L().Warn("diskstore query iterator", zap.Error(err))
        return nil
    }
    defer it.Close()
    now := time.Now()
    var out []bundle.Meta
    for it.First(); it.Valid(); it.Next() {
        b, err := bundle.Decode(it.Value())
        if err != nil {
            zap.L().Warn("diskstore undecodable record", zap.ByteString("key", it.Key()), zap.Error(err))
            continue
        }
        if b.Meta.Expired(now) { continue }
        if !f.Accepts(b.Meta) { continue }
        out = append(out, b.Meta)
        if lim := f.Limit(); lim > 0 && len(out) >= lim { break }
    }
    return out
}

func (s *Store) Count() int { return int(s.count.Load()) }

func (s *Store) sweeper() {
    defer s.wg.Done()
    tick := time.NewTicker(s.opts.SweepInterval)
    defer tick.Stop()
    for {
        select {
        case <-s.closeCh:
            return
        case <-tick.C:
            s.sweep()
        }
    }
}

// sweep removes every bundle past its lifetime.
func (s *Store) sweep() {
    it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: upperBound()})
    if err != nil {
        zap.L().Warn("diskstore sweep iterator", zap.Error(err))
        return
    }
    now := time.Now()
    type deadRec struct {
        key    []byte
        m      bundle.Meta
        notify bool
    }
    var dead []deadRec
    for it.First(); it.Valid(); it.Next() {
        b, err := bundle.Decode(it.Value())
        if err != nil {
            dead = append(dead, deadRec{key: append([]byte{}, it.Key()...)})
            continue
        }
        if b.Meta.Expired(now) {
            dead = append(dead, deadRec{key: append([]byte{}, it.Key()...), m: b.Meta, notify: true})
        }
    }
    _ = it.Close()
    for _, rec := range dead {
        s.writeMu.Lock()
        if _, closer, err := s.db.Get(rec.key); err == nil {
            _ = closer.Close()
            if err := s.db.Delete(rec.key, pebble.NoSync); err == nil {
                s.count.Add(-1)
                s.writeMu.Unlock()
                if rec.notify && s.opts.OnEvict != nil { s.opts.OnEvict(rec.m) }
                continue
            }
        }
        s.writeMu.Unlock()
    }
    if len(dead) > 0 {
        zap.L().Debug("diskstore sweep", zap.Int("expired", len(dead)))
    }
}
