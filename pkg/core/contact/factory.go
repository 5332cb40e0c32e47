package contact

import (
    "sync"

    "github.com/ateneo-isif/ibrdtn/pkg/cl"
    "github.com/ateneo-isif/ibrdtn/pkg/cl/memcl"
    "github.com/ateneo-isif/ibrdtn/pkg/cl/mtcp"
    "github.com/ateneo-isif/ibrdtn/pkg/cl/quicl"
)

// Factory hands out convergence layers by configured kind, one shared
// instance per kind. Sharing matters for the in-process layer: its
// listeners and dialers only meet inside the same instance.
type Factory struct {
    mu   sync.Mutex
    mem  *memcl.Layer
    tcp  *mtcp.Layer
    quic *quicl.Layer
}

// NewByKind returns the convergence layer for a config kind string.
func (f *Factory) NewByKind(kind string) (cl.Convergence, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    switch kind {
    case "mtcp", "tcp":
        if f.tcp == nil { f.tcp = mtcp.New() }
        return f.tcp, nil
    case "quic":
        if f.quic == nil {
            l, err := quicl.New()
            if err != nil { return nil, err }
            f.quic = l
        }
        return f.quic, nil
    case "mem", "inproc":
        if f.mem == nil { f.mem = memcl.New() }
        return f.mem, nil
    default:
        return nil, ErrUnknownKind(kind)
    }
}

// Basic typed error for unknown kinds
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown convergence layer kind: " + string(e) }
