package contact

import (
    "sort"
    "time"

    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/codec"
    "github.com/ateneo-isif/ibrdtn/pkg/memkv"
)

// Service names one convergence-layer endpoint a node advertises.
type Service struct {
    Kind string `cbor:"kind"`
    Addr string `cbor:"addr"`
}

// NodeRecord is one discovered node and the endpoints it can be reached on.
type NodeRecord struct {
    EID      bundle.EID `cbor:"eid"`
    Services []Service  `cbor:"services"`
    LastSeen time.Time  `cbor:"seen"`
}

// NodeBook keeps discovered-node records in a TTL keyed store. A record
// not refreshed within its TTL disappears on its own; the byte cap bounds
// what a flood of forged beacons can make the book hold.
type NodeBook struct {
    kv  *memkv.Store
    log *zap.Logger
}

func NewNodeBook(log *zap.Logger) *NodeBook {
    if log == nil { log = zap.L() }
    b := &NodeBook{log: log.Named("nodebook")}
    b.kv = memkv.New(memkv.Options{
        MaxBytes: 1 << 20,
        OnEvict: func(key string) {
            b.log.Info("discovered neighbor expired", zap.String("node", key))
        },
    })
    return b
}

// Observe refreshes the record for a node seen just now. It reports
// whether the node was previously unknown.
func (b *NodeBook) Observe(eid bundle.EID, services []Service, ttl time.Duration) bool {
    node := eid.Node()
    rec := NodeRecord{EID: node, Services: services, LastSeen: time.Now()}
    data, err := codec.Default().Marshal(rec)
    if err != nil {
        b.log.Warn("encode node record", zap.String("node", string(node)), zap.Error(err))
        return false
    }
    created, ok := b.kv.Set(string(node), data, ttl)
    if !ok {
        b.log.Warn("node book full, record dropped", zap.String("node", string(node)))
        return false
    }
    return created
}

// Get returns the live record for a node.
func (b *NodeBook) Get(eid bundle.EID) (NodeRecord, bool) {
    data, ok := b.kv.Get(string(eid.Node()))
    if !ok { return NodeRecord{}, false }
    var rec NodeRecord
    if err := codec.Default().Unmarshal(data, &rec); err != nil {
        b.log.Warn("decode node record", zap.Error(err))
        return NodeRecord{}, false
    }
    return rec, true
}

// List returns every live record ordered by node EID.
func (b *NodeBook) List() []NodeRecord {
    var out []NodeRecord
    b.kv.Range(func(_ string, data []byte) bool {
        var rec NodeRecord
        if err := codec.Default().Unmarshal(data, &rec); err == nil {
            out = append(out, rec)
        }
        return true
    })
    sort.Slice(out, func(i, j int) bool { return out[i].EID < out[j].EID })
    return out
}

func (b *NodeBook) Close() { b.kv.Close() }
