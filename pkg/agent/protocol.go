package agent

import (
    "encoding/binary"
    "fmt"
    "io"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/codec"
    "github.com/ateneo-isif/ibrdtn/pkg/core/contact"
)

// Attach protocol: every frame is a little-endian uint32 length followed
// by one CBOR document. Clients send Request frames; the agent answers
// each with a Response echoing the op, and pushes unsolicited "deliver"
// and "notify" frames to registered sessions.

// maxFrame bounds one attach frame. Payloads ride inside, so this is
// also the largest bundle an application can hand over.
const maxFrame = 16 << 20

// Request is one client frame.
type Request struct {
    Op     string `cbor:"op"`
    Token  string `cbor:"tok,omitempty"`
    Suffix string `cbor:"sfx,omitempty"`

    Destination bundle.EID `cbor:"dst,omitempty"`
    LifetimeSec uint64     `cbor:"ltm,omitempty"`
    Hops        uint32     `cbor:"hop,omitempty"`
    Singleton   bool       `cbor:"sgl,omitempty"`
    Report      bool       `cbor:"rpt,omitempty"`
    Payload     []byte     `cbor:"pld,omitempty"`
}

// Response is one agent frame, either the answer to a Request or an
// unsolicited push ("deliver", "notify").
type Response struct {
    Op    string `cbor:"op"`
    OK    bool   `cbor:"ok"`
    Error string `cbor:"err,omitempty"`

    Token    string     `cbor:"tok,omitempty"`
    Endpoint bundle.EID `cbor:"eid,omitempty"`
    ID       *bundle.ID `cbor:"id,omitempty"`

    Bundle *bundle.Bundle `cbor:"bdl,omitempty"`
    Peer   bundle.EID     `cbor:"peer,omitempty"`

    Neighbors []NeighborInfo `cbor:"nbs,omitempty"`
}

// NeighborInfo is one row of the "neighbors" listing: every node with a
// live session or a fresh discovery record.
type NeighborInfo struct {
    EID       bundle.EID        `cbor:"eid"`
    Connected bool              `cbor:"con"`
    Services  []contact.Service `cbor:"svc,omitempty"`
}

func writeFrame(w io.Writer, v any) error {
    data, err := codec.Default().Marshal(v)
    if err != nil { return err }
    if len(data) > maxFrame { return fmt.Errorf("agent: frame of %d bytes exceeds limit", len(data)) }
    var hdr [4]byte
    binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
    if _, err := w.Write(hdr[:]); err != nil { return err }
    _, err = w.Write(data)
    return err
}

func readFrame(r io.Reader, v any) error {
    var hdr [4]byte
    if _, err := io.ReadFull(r, hdr[:]); err != nil { return err }
    n := binary.LittleEndian.Uint32(hdr[:])
    if n > maxFrame { return fmt.Errorf("agent: frame of %d bytes exceeds limit", n) }
    buf := make([]byte, n)
    if _, err := io.ReadFull(r, buf); err != nil { return err }
    return codec.Default().Unmarshal(buf, v)
}
