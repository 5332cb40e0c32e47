package routing

import (
    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
)

// queryLimit caps one storage query. Small batches keep a single search
// task cheap and give repeated tasks for different neighbors a round-robin
// share of the worker.
const queryLimit = 10

// forwardFilter is the eligibility predicate for one neighbor, built fresh
// per search task and handed to storage. It satisfies storage.Filter.
//
// A bundle qualifies when it can still be relayed (hops left), when a
// singleton destination actually matches the neighbor's node (and is not
// us), and when the neighbor does not already know it.
type forwardFilter struct {
    local    bundle.EID
    neighbor bundle.EID
    db       *Database
}

func newForwardFilter(local, neighbor bundle.EID, db *Database) *forwardFilter {
    return &forwardFilter{local: local, neighbor: neighbor, db: db}
}

func (f *forwardFilter) Limit() int { return queryLimit }

func (f *forwardFilter) Accepts(m bundle.Meta) bool {
    if m.HopsLeft == 0 {
        return false
    }
    if m.Singleton() {
        if m.Destination.SameNode(f.local) {
            return false
        }
        if !m.Destination.SameNode(f.neighbor) {
            return false
        }
    }
    if f.db.IsKnown(f.neighbor, m.ID) {
        return false
    }
    return true
}
