package storage

import (
    "errors"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
)

// Filter is the predicate a query evaluates against stored bundle metadata.
// The backend owns the traversal order; the filter owns eligibility and the
// result cap. Accepts must not block: backends may call it during their own
// scans.
type Filter interface {
    Limit() int
    Accepts(m bundle.Meta) bool
}

// Storage is the full bundle store contract. Implementations are safe for
// concurrent use.
type Storage interface {
    // Query returns at most f.Limit() metadata records, each satisfying
    // f.Accepts, in the backend's traversal order.
    Query(f Filter) []bundle.Meta
    Get(id bundle.ID) (bundle.Bundle, error)
    GetMeta(id bundle.ID) (bundle.Meta, error)
    Store(b bundle.Bundle) error
    Remove(id bundle.ID) error
    Count() int
    Close() error
}

var (
    ErrNotFound    = errors.New("bundle not found")
    ErrDuplicate   = errors.New("bundle already stored")
    ErrStorageFull = errors.New("storage capacity exhausted")
)
