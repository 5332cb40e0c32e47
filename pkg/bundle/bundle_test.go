package bundle

import (
    "bytes"
    "testing"
    "time"
)

func TestNewIDSequencing(t *testing.T) {
    src := EID("dtn://alpha")
    now := time.Now()
    a := NewID(src, now)
    b := NewID(src, now)
    if a == b { t.Fatalf("two ids in the same second must differ: %v", a) }
    if a.Timestamp != b.Timestamp { t.Fatalf("timestamps differ within one second: %d vs %d", a.Timestamp, b.Timestamp) }
    if b.Sequence != a.Sequence+1 { t.Fatalf("sequence not incremented: %d then %d", a.Sequence, b.Sequence) }
    c := NewID(src, now.Add(2*time.Second))
    if c.Sequence != 0 { t.Fatalf("sequence must restart on a new second, got %d", c.Sequence) }
}

func TestIDString(t *testing.T) {
    id := ID{Source: "dtn://alpha", Timestamp: 100, Sequence: 7}
    if id.String() != "100.7 dtn://alpha" { t.Fatalf("got %q", id.String()) }
    frag := ID{Source: "dtn://alpha", Timestamp: 100, Sequence: 7, IsFragment: true, FragmentOffset: 512}
    if frag.String() != "100.7.512 dtn://alpha" { t.Fatalf("got %q", frag.String()) }
    if id.String() == frag.String() { t.Fatalf("fragment and whole bundle collide: %q", id.String()) }
}

func TestEncodeDecode(t *testing.T) {
    b := New("dtn://alpha/app", "dtn://beta/inbox", FlagSingleton|FlagDeliveryReport, 12, time.Hour, []byte("hello dtn"))
    data, err := Encode(b)
    if err != nil { t.Fatalf("Encode: %v", err) }
    got, err := Decode(data)
    if err != nil { t.Fatalf("Decode: %v", err) }
    if got.Meta.ID != b.Meta.ID { t.Fatalf("id mismatch: %v vs %v", got.Meta.ID, b.Meta.ID) }
    if got.Meta.Destination != b.Meta.Destination { t.Fatalf("destination mismatch: %v", got.Meta.Destination) }
    if !got.Meta.Singleton() || !got.Meta.ReportRequested() { t.Fatalf("flags lost: %v", got.Meta.Flags) }
    if got.Meta.HopsLeft != 12 { t.Fatalf("hops lost: %d", got.Meta.HopsLeft) }
    if !bytes.Equal(got.Payload, b.Payload) { t.Fatalf("payload mismatch: %q", got.Payload) }
}

func TestDecodeGarbage(t *testing.T) {
    if _, err := Decode([]byte{0xff, 0x00, 0x13, 0x37}); err == nil { t.Fatalf("expected decode error") }
}

func TestExpiry(t *testing.T) {
    now := time.Now()
    m := Meta{Received: now, Lifetime: time.Minute}
    if m.Expired(now) { t.Fatalf("fresh bundle reported expired") }
    if !m.Expired(now.Add(time.Minute)) { t.Fatalf("bundle past its lifetime not expired") }
}
