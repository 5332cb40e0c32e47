package bundle

import (
    "fmt"
    "sync"
    "time"
)

// Flags is the bundle processing control bitmask.
type Flags uint32

const (
    FlagSingleton      Flags = 1 << 0 // destination names exactly one node
    FlagDeliveryReport Flags = 1 << 1 // origin asks for a notification on delivery
)

// dtnEpoch is the DTN time origin (2000-01-01T00:00:00Z) as a unix timestamp.
const dtnEpoch = 946684800

// ID names one bundle for its whole lifetime: source endpoint, creation
// time in DTN seconds, a per-second sequence number, and the fragment
// offset when the bundle is a fragment of a larger one.
type ID struct {
    Source         EID    `cbor:"src"`
    Timestamp      uint64 `cbor:"ts"`
    Sequence       uint64 `cbor:"seq"`
    IsFragment     bool   `cbor:"frag,omitempty"`
    FragmentOffset uint64 `cbor:"off,omitempty"`
}

// String renders a stable form usable as a map key and in logs:
// "<ts>.<seq> <source>", with the fragment offset spliced in for fragments.
func (id ID) String() string {
    if id.IsFragment {
        return fmt.Sprintf("%d.%d.%d %s", id.Timestamp, id.Sequence, id.FragmentOffset, id.Source)
    }
    return fmt.Sprintf("%d.%d %s", id.Timestamp, id.Sequence, id.Source)
}

// Meta is the routing view of a stored bundle. Storage produces it per
// query; routing reads it and never writes it back.
type Meta struct {
    ID          ID            `cbor:"id"`
    Destination EID           `cbor:"dst"`
    ReportTo    EID           `cbor:"rpt,omitempty"`
    Flags       Flags         `cbor:"flg,omitempty"`
    HopsLeft    uint32        `cbor:"hop"`
    Lifetime    time.Duration `cbor:"ltm"`
    Received    time.Time     `cbor:"rcv"`
}

// Singleton reports whether the destination names exactly one node.
func (m Meta) Singleton() bool { return m.Flags&FlagSingleton != 0 }

// ReportRequested reports whether the origin asked for a delivery notification.
func (m Meta) ReportRequested() bool { return m.Flags&FlagDeliveryReport != 0 }

// ExpiresAt is the instant after which the bundle must no longer be kept.
func (m Meta) ExpiresAt() time.Time { return m.Received.Add(m.Lifetime) }

func (m Meta) Expired(now time.Time) bool { return !now.Before(m.ExpiresAt()) }

// Bundle is a complete data unit: routing metadata plus opaque payload.
type Bundle struct {
    Meta    Meta   `cbor:"meta"`
    Payload []byte `cbor:"pld"`
}

var (
    idMu     sync.Mutex
    idSecond uint64
    idSeq    uint64
)

// NewID allocates the next creation identity for a locally originated
// bundle. Sequence numbers restart for each DTN-time second, so two bundles
// created within one second stay distinguishable.
func NewID(source EID, now time.Time) ID {
    ts := uint64(now.Unix() - dtnEpoch)
    idMu.Lock()
    defer idMu.Unlock()
    if ts != idSecond {
        idSecond, idSeq = ts, 0
    } else {
        idSeq++
    }
    return ID{Source: source, Timestamp: ts, Sequence: idSeq}
}

// New builds a locally originated bundle ready for storage.
func New(source, destination EID, flags Flags, hops uint32, lifetime time.Duration, payload []byte) Bundle {
    now := time.Now()
    return Bundle{
        Meta: Meta{
            ID:          NewID(source, now),
            Destination: destination,
            Flags:       flags,
            HopsLeft:    hops,
            Lifetime:    lifetime,
            Received:    now,
        },
        Payload: payload,
    }
}
