package routing

import (
    "errors"
    "sort"
    "sync"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
)

var (
    // ErrNeighborGone marks a neighbor the connectivity tracker does not
    // currently list as reachable.
    ErrNeighborGone = errors.New("neighbor not available")
    // ErrInTransit marks a bundle already outstanding to the same neighbor.
    ErrInTransit = errors.New("bundle already in transit")
    // ErrNoSlots marks an exhausted per-neighbor transfer budget.
    ErrNoSlots = errors.New("no transfer slots available")
)

const defaultMaxTransfers = 5

// Database tracks per-neighbor routing state: the set of bundle identities
// a neighbor already knows, and the transfers currently outstanding to it.
//
// One coarse mutex guards the whole table. That is deliberate: every
// operation is a map touch, entry lifecycle stays atomic with slot and
// known-set bookkeeping, and no caller is allowed to hold the lock across
// blocking I/O (the forwarding filter re-locks per IsKnown call instead of
// pinning the lock over a storage query).
//
// Entry creation is strict: entries exist only between MarkAvailable and
// MarkUnavailable, both driven by the session manager. Resolve on anything
// else reports ErrNeighborGone.
type Database struct {
    mu           sync.Mutex
    entries      map[bundle.EID]*neighborEntry
    maxTransfers int
}

type neighborEntry struct {
    known   map[string]struct{}
    transit map[string]struct{}
}

func NewDatabase(maxTransfers int) *Database {
    if maxTransfers <= 0 {
        maxTransfers = defaultMaxTransfers
    }
    return &Database{
        entries:      make(map[bundle.EID]*neighborEntry),
        maxTransfers: maxTransfers,
    }
}

// MaxTransfers returns the per-neighbor transfer slot budget.
func (db *Database) MaxTransfers() int { return db.maxTransfers }

// MarkAvailable creates the routing entry for a neighbor node. Idempotent;
// a re-mark keeps the existing known-set.
func (db *Database) MarkAvailable(eid bundle.EID) {
    key := eid.Node()
    db.mu.Lock()
    if _, ok := db.entries[key]; !ok {
        db.entries[key] = &neighborEntry{
            known:   make(map[string]struct{}),
            transit: make(map[string]struct{}),
        }
    }
    db.mu.Unlock()
}

// MarkUnavailable drops the entry and everything it tracked.
func (db *Database) MarkUnavailable(eid bundle.EID) {
    db.mu.Lock()
    delete(db.entries, eid.Node())
    db.mu.Unlock()
}

// Resolve checks that a neighbor currently has a routing entry.
func (db *Database) Resolve(eid bundle.EID) error {
    db.mu.Lock()
    defer db.mu.Unlock()
    if _, ok := db.entries[eid.Node()]; !ok {
        return ErrNeighborGone
    }
    return nil
}

// IsKnown reports whether the bundle identity is recorded in the
// neighbor's known-set. Unknown neighbors know nothing.
func (db *Database) IsKnown(eid bundle.EID, id bundle.ID) bool {
    db.mu.Lock()
    defer db.mu.Unlock()
    e, ok := db.entries[eid.Node()]
    if !ok {
        return false
    }
    _, known := e.known[id.String()]
    return known
}

// RecordKnown marks a bundle identity as known to (delivered to or held
// by) a neighbor, suppressing future re-offers. No-op for unknown
// neighbors.
func (db *Database) RecordKnown(eid bundle.EID, id bundle.ID) {
    db.mu.Lock()
    if e, ok := db.entries[eid.Node()]; ok {
        e.known[id.String()] = struct{}{}
    }
    db.mu.Unlock()
}

// AcquireTransfer reserves one transfer slot for a bundle to a neighbor.
func (db *Database) AcquireTransfer(eid bundle.EID, id bundle.ID) error {
    db.mu.Lock()
    defer db.mu.Unlock()
    e, ok := db.entries[eid.Node()]
    if !ok {
        return ErrNeighborGone
    }
    key := id.String()
    if _, dup := e.transit[key]; dup {
        return ErrInTransit
    }
    if len(e.transit) >= db.maxTransfers {
        return ErrNoSlots
    }
    e.transit[key] = struct{}{}
    return nil
}

// ReleaseTransfer frees a slot taken by AcquireTransfer. Idempotent, also
// for neighbors that vanished in between.
func (db *Database) ReleaseTransfer(eid bundle.EID, id bundle.ID) {
    db.mu.Lock()
    if e, ok := db.entries[eid.Node()]; ok {
        delete(e.transit, id.String())
    }
    db.mu.Unlock()
}

// Neighbors returns a sorted snapshot of currently available neighbors.
func (db *Database) Neighbors() []bundle.EID {
    db.mu.Lock()
    out := make([]bundle.EID, 0, len(db.entries))
    for eid := range db.entries {
        out = append(out, eid)
    }
    db.mu.Unlock()
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}
