package memstore

import (
    "container/heap"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
)

// Options tune the in-memory bundle store.
type Options struct {
    Shards     int    // shard count (default 64)
    MaxBundles int    // hard cap on stored bundles (0 = unlimited)
    MaxBytes   uint64 // hard cap on summed payload bytes (0 = unlimited)

    // OnEvict runs outside the shard locks for every bundle removed by
    // lifetime expiry. May be nil.
    OnEvict func(m bundle.Meta)
}

func (o *Options) withDefaults() Options {
    res := *o
    if res.Shards <= 0 { res.Shards = 64 }
    return res
}

// Store keeps complete bundles in sharded maps keyed by bundle identity.
// Lifetime expiry runs on a min-heap of deadlines serviced by one
// background goroutine; expired bundles are also dropped lazily when a
// reader trips over them first.
type Store struct {
    opts    Options
    shards  []shard
    expq    *expQueue
    closeCh chan struct{}
    wg      sync.WaitGroup

    nowFn func() time.Time

    mBundles atomic.Int64
    mBytes   atomic.Uint64
    mStores  atomic.Uint64
    mRemoves atomic.Uint64
    mExpired atomic.Uint64
    mQueries atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*slot
}

type slot struct {
    b        bundle.Bundle
    expireAt int64 // unix nano
}

func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        opts:    opts,
        shards:  make([]shard, opts.Shards),
        expq:    &expQueue{},
        closeCh: make(chan struct{}),
        nowFn:   time.Now,
    }
    for i := range s.shards {
        s.shards[i].m = make(map[string]*slot, 64)
    }
    heap.Init(s.expq)
    s.wg.Add(1)
    go s.expirer()
    return s
}

func (s *Store) Close() error {
    close(s.closeCh)
    s.expq.Lock()
    if s.expq.cond != nil { s.expq.cond.Broadcast() }
    s.expq.Unlock()
    s.wg.Wait()
    return nil
}

func (s *Store) shardFor(key string) *shard {
    // FNV-1a 64
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[int(h%uint64(len(s.shards)))]
}

// tryAddBytes reserves payload bytes against the configured cap.
func (s *Store) tryAddBytes(delta uint64) bool {
    if s.opts.MaxBytes == 0 {
        s.mBytes.Add(delta)
        return true
    }
    for {
        cur := s.mBytes.Load()
        next := cur + delta
        if next > s.opts.MaxBytes { return false }
        if s.mBytes.CompareAndSwap(cur, next) { return true }
    }
}

func (s *Store) subBytes(n int) {
    if n <= 0 { return }
    for {
        cur := s.mBytes.Load()
        next := uint64(0)
        if uint64(n) < cur { next = cur - uint64(n) }
        if s.mBytes.CompareAndSwap(cur, next) { return }
    }
}

// Store inserts a bundle. Identity collisions fail with ErrDuplicate,
// capacity exhaustion with ErrStorageFull.
func (s *Store) Store(b bundle.Bundle) error {
    if s.opts.MaxBundles > 0 && int(s.mBundles.Load()) >= s.opts.MaxBundles {
        return storage.ErrStorageFull
    }
    key := b.Meta.ID.String()
    sh := s.shardFor(key)
    sh.mu.Lock()
    if _, exists := sh.m[key]; exists {
        sh.mu.Unlock()
        return storage.ErrDuplicate
    }
    if !s.tryAddBytes(uint64(len(b.Payload))) {
        sh.mu.Unlock()
        return storage.ErrStorageFull
    }
    expAt := b.Meta.ExpiresAt().UnixNano()
    sh.m[key] = &slot{b: b, expireAt: expAt}
    s.mBundles.Add(1)
    s.mStores.Add(1)
    sh.mu.Unlock()
    s.enqueueExpire(key, expAt)
    return nil
}

// Query walks every shard, snapshots eligible metadata and returns the
// oldest f.Limit() records, ordered by arrival time then identity.
func (s *Store) Query(f storage.Filter) []bundle.Meta {
    s.mQueries.Add(1)
    now := s.nowFn().UnixNano()
    var out []bundle.Meta
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.RLock()
        metas := make([]bundle.Meta, 0, len(sh.m))
        for _, sl := range sh.m {
            if sl.expireAt <= now { continue }
            metas = append(metas, sl.b.Meta)
        }
        sh.mu.RUnlock()
        for _, m := range metas {
            if f.Accepts(m) { out = append(out, m) }
        }
    }
    sort.Slice(out, func(i, j int) bool {
        if !out[i].Received.Equal(out[j].Received) { return out[i].Received.Before(out[j].Received) }
        return out[i].ID.String() < out[j].ID.String()
    })
    if lim := f.Limit(); lim > 0 && len(out) > lim { out = out[:lim] }
    return out
}

func (s *Store) Get(id bundle.ID) (bundle.Bundle, error) {
    key := id.String()
    sh := s.shardFor(key)
    sh.mu.RLock()
    sl, ok := sh.m[key]
    if !ok {
        sh.mu.RUnlock()
        return bundle.Bundle{}, storage.ErrNotFound
    }
    b := sl.b
    exp := sl.expireAt
    sh.mu.RUnlock()
    if exp <= s.nowFn().UnixNano() {
        s.expireKey(key)
        return bundle.Bundle{}, storage.ErrNotFound
    }
    return b, nil
}

func (s *Store) GetMeta(id bundle.ID) (bundle.Meta, error) {
    b, err := s.Get(id)
    if err != nil { return bundle.Meta{}, err }
    return b.Meta, nil
}

func (s *Store) Remove(id bundle.ID) error {
    key := id.String()
    sh := s.shardFor(key)
    sh.mu.Lock()
    sl, ok := sh.m[key]
    if !ok {
        sh.mu.Unlock()
        return storage.ErrNotFound
    }
    delete(sh.m, key)
    sh.mu.Unlock()
    s.mBundles.Add(-1)
    s.mRemoves.Add(1)
    s.subBytes(len(sl.b.Payload))
    return nil
}

func (s *Store) Count() int { return int(s.mBundles.Load()) }

// Stats is a point-in-time metrics snapshot; reading it never blocks
// store operations.
type Stats struct {
    Bundles int64
    Bytes   uint64
    Stores  uint64
    Removes uint64
    Expired uint64
    Queries uint64
}

func (s *Store) Metrics() Stats {
    return Stats{
        Bundles: s.mBundles.Load(),
        Bytes:   s.mBytes.Load(),
        Stores:  s.mStores.Load(),
        Removes: s.mRemoves.Load(),
        Expired: s.mExpired.Load(),
        Queries: s.mQueries.Load(),
    }
}

// expireKey drops one bundle if its deadline has really passed, and fires
// the eviction callback.
func (s *Store) expireKey(key string) {
    now := s.nowFn().UnixNano()
    sh := s.shardFor(key)
    sh.mu.Lock()
    sl, ok := sh.m[key]
    if !ok || sl.expireAt > now {
        sh.mu.Unlock()
        return
    }
    delete(sh.m, key)
    sh.mu.Unlock()
    s.mBundles.Add(-1)
    s.mExpired.Add(1)
    s.subBytes(len(sl.b.Payload))
    if s.opts.OnEvict != nil { s.opts.OnEvict(sl.b.Meta) }
}

// ---- expiry queue ----

type expItem struct {
    when  int64
    key   string
    index int
}

type expQueue struct {
    sync.Mutex
    cond  *sync.Cond
    items []*expItem
}

func (q *expQueue) Len() int           { return len(q.items) }
func (q *expQueue) Less(i, j int) bool { return q.items[i].when < q.items[j].when }
func (q *expQueue) Swap(i, j int) {
    q.items[i], q.items[j] = q.items[j], q.items[i]
    q.items[i].index = i
    q.items[j].index = j
}
func (q *expQueue) Push(x any) {
    it := x.(*expItem)
    it.index = len(q.items)
    q.items = append(q.items, it)
}
func (q *expQueue) Pop() any {
    old := q.items
    n := len(old)
    it := old[n-1]
    old[n-1] = nil
    it.index = -1
    q.items = old[:n-1]
    return it
}

func (s *Store) enqueueExpire(key string, when int64) {
    s.expq.Lock()
    if s.expq.cond == nil { s.expq.cond = sync.NewCond(s.expq) }
    heap.Push(s.expq, &expItem{key: key, when: when, index: -1})
    s.expq.cond.Broadcast()
    s.expq.Unlock()
}

func (s *Store) expirer() {
    defer s.wg.Done()
    for {
        s.expq.Lock()
        for s.expq.Len() == 0 {
            if s.expq.cond == nil { s.expq.cond = sync.NewCond(s.expq) }
            if s.isClosed() {
                s.expq.Unlock()
                return
            }
            s.expq.cond.Wait()
            if s.isClosed() {
                s.expq.Unlock()
                return
            }
        }
        it := s.expq.items[0]
        now := s.nowFn().UnixNano()
        if it.when > now {
            d := time.Duration(it.when - now)
            timer := time.NewTimer(d)
            s.expq.Unlock()
            select {
            case <-timer.C:
            case <-s.closeCh:
                timer.Stop()
                return
            }
            continue
        }
        heap.Pop(s.expq)
        s.expq.Unlock()
        s.expireKey(it.key)
    }
}

func (s *Store) isClosed() bool {
    select {
    case <-s.closeCh:
        return true
    default:
        return false
    }
}
