package memkv

import (
    "sync"
    "sync/atomic"
    "time"
)

// Options tune the store.
type Options struct {
    Shards     int           // shard count (default 64)
    MaxBytes   uint64        // hard cap on summed value bytes (0 = unlimited)
    SweepEvery time.Duration // expired-key reclaim period (default 1s)

    // OnEvict runs outside the shard locks for every key removed by TTL
    // expiry. May be nil.
    OnEvict func(key string)
}

func (o *Options) withDefaults() Options {
    res := *o
    if res.Shards <= 0 { res.Shards = 64 }
    if res.SweepEvery <= 0 { res.SweepEvery = time.Second }
    return res
}

// Store is a sharded in-memory map with per-key TTL.
type Store struct {
    opts    Options
    shards  []shard
    closeCh chan struct{}
    wg      sync.WaitGroup

    nowFn func() time.Time

    mKeys    atomic.Int64
    mBytes   atomic.Uint64
    mSets    atomic.Uint64
    mHits    atomic.Uint64
    mMisses  atomic.Uint64
    mExpired atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nano; 0 = no expiry
}

func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        opts:    opts,
        shards:  make([]shard, opts.Shards),
        closeCh: make(chan struct{}),
        nowFn:   time.Now,
    }
    for i := range s.shards {
        s.shards[i].m = make(map[string]*entry, 16)
    }
    s.wg.Add(1)
    go s.sweeper()
    return s
}

func (s *Store) Close() {
    close(s.closeCh)
    s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
    // FNV-1a 64
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[h%uint64(len(s.shards))]
}

// Set stores a copy of val under key. ttl 0 keeps the key until deleted.
// created reports a fresh key rather than an overwrite; ok is false when
// the byte cap would be exceeded and nothing was written.
func (s *Store) Set(key string, val []byte, ttl time.Duration) (created, ok bool) {
    now := s.nowFn()
    expAt := int64(0)
    if ttl > 0 { expAt = now.Add(ttl).UnixNano() }
    v := make([]byte, len(val))
    copy(v, val)

    var evicted bool
    sh := s.shardFor(key)
    sh.mu.Lock()
    prev, existed := sh.m[key]
    if existed && prev.expireAt != 0 && prev.expireAt <= now.UnixNano() {
        // The old incarnation already died; this write creates a new key.
        s.dropLocked(sh, key, prev)
        existed, evicted = false, true
    }
    oldLen := 0
    if existed { oldLen = len(prev.val) }
    delta := len(v) - oldLen
    if delta > 0 && !s.tryAddBytes(uint64(delta)) {
        sh.mu.Unlock()
        if evicted { s.evict(key) }
        return false, false
    }
    if delta < 0 { s.subBytes(uint64(-delta)) }
    sh.m[key] = &entry{val: v, expireAt: expAt}
    sh.mu.Unlock()

    if evicted { s.evict(key) }
    if !existed { s.mKeys.Add(1) }
    s.mSets.Add(1)
    return !existed, true
}

// Get returns a copy of the live value under key.
func (s *Store) Get(key string) ([]byte, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var val []byte
    var exp int64
    if ok { val, exp = e.val, e.expireAt }
    sh.mu.RUnlock()

    if !ok {
        s.mMisses.Add(1)
        return nil, false
    }
    if exp != 0 && exp <= s.nowFn().UnixNano() {
        s.reap(key)
        s.mMisses.Add(1)
        return nil, false
    }
    s.mHits.Add(1)
    out := make([]byte, len(val))
    copy(out, val)
    return out, true
}

// Delete removes key. Explicit deletion does not count as expiry and does
// not trigger OnEvict.
func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if ok {
        delete(sh.m, key)
        s.mKeys.Add(-1)
        s.subBytes(uint64(len(e.val)))
    }
    sh.mu.Unlock()
    return ok
}

// TTL returns the remaining lifetime of key; 0 with ok means no expiry.
func (s *Store) TTL(key string) (time.Duration, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var exp int64
    if ok { exp = e.expireAt }
    sh.mu.RUnlock()

    if !ok { return 0, false }
    if exp == 0 { return 0, true }
    now := s.nowFn().UnixNano()
    if exp <= now {
        s.reap(key)
        return 0, false
    }
    return time.Duration(exp - now), true
}

// Range calls fn with a copy of every live entry, one shard at a time,
// in no particular order. Iteration stops when fn returns false. fn runs
// outside the shard locks and may call back into the store.
func (s *Store) Range(fn func(key string, val []byte) bool) {
    type pair struct {
        k string
        v []byte
    }
    now := s.nowFn().UnixNano()
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.RLock()
        live := make([]pair, 0, len(sh.m))
        for k, e := range sh.m {
            if e.expireAt != 0 && e.expireAt <= now { continue }
            v := make([]byte, len(e.val))
            copy(v, e.val)
            live = append(live, pair{k, v})
        }
        sh.mu.RUnlock()
        for _, it := range live {
            if !fn(it.k, it.v) { return }
        }
    }
}

// Len counts keys not yet reclaimed, including expired ones the sweep has
// not reached.
func (s *Store) Len() int { return int(s.mKeys.Load()) }

// reap removes key if it is still present and expired, then reports the
// eviction.
func (s *Store) reap(key string) {
    now := s.nowFn().UnixNano()
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if !ok || e.expireAt == 0 || e.expireAt > now {
        sh.mu.Unlock()
        return
    }
    s.dropLocked(sh, key, e)
    sh.mu.Unlock()
    s.evict(key)
}

// dropLocked removes an expired entry under the shard lock and settles
// the counters.
func (s *Store) dropLocked(sh *shard, key string, e *entry) {
    delete(sh.m, key)
    s.mKeys.Add(-1)
    s.mExpired.Add(1)
    s.subBytes(uint64(len(e.val)))
}

func (s *Store) evict(key string) {
    if s.opts.OnEvict != nil { s.opts.OnEvict(key) }
}

func (s *Store) sweeper() {
    defer s.wg.Done()
    tick := time.NewTicker(s.opts.SweepEvery)
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

func (s *Store) sweep() {
    now := s.nowFn().UnixNano()
    var dead []string
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.Lock()
        for k, e := range sh.m {
            if e.expireAt != 0 && e.expireAt <= now {
                s.dropLocked(sh, k, e)
                dead = append(dead, k)
            }
        }
        sh.mu.Unlock()
    }
    for _, k := range dead { s.evict(k) }
}

// tryAddBytes reserves delta bytes against the cap.
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

func (s *Store) subBytes(delta uint64) {
    for {
        cur := s.mBytes.Load()
        next := uint64(0)
        if delta < cur { next = cur - delta }
        if s.mBytes.CompareAndSwap(cur, next) { return }
    }
}

// Stats is a point-in-time metrics snapshot.
type Stats struct {
    Keys    int64
    Bytes   uint64
    Sets    uint64
    Hits    uint64
    Misses  uint64
    Expired uint64
}

func (s *Store) Metrics() Stats {
    return Stats{
        Keys:    s.mKeys.Load(),
        Bytes:   s.mBytes.Load(),
        Sets:    s.mSets.Load(),
        Hits:    s.mHits.Load(),
        Misses:  s.mMisses.Load(),
        Expired: s.mExpired.Load(),
    }
}
