package codec

import (
    cbor "github.com/fxamacker/cbor/v2"
)

// Codec is a deterministic marshaler shared by every wire surface of the
// daemon: bundle frames, contact headers, discovery beacons, agent calls.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

type cborCodec struct{ enc cbor.EncMode; dec cbor.DecMode }

// CBOR returns a canonical CBOR codec (RFC 8949 core deterministic profile).
func CBOR() (Codec, error) {
    em, err := cbor.CanonicalEncOptions().EncMode()
    if err != nil { return nil, err }
    dm, err := cbor.DecOptions{}.DecMode()
    if err != nil { return nil, err }
    return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

var defaultCodec = mustCBOR()

func mustCBOR() Codec {
    c, err := CBOR()
    if err != nil { panic(err) }
    return c
}

// Default returns the process-wide canonical codec. The canonical options
// never fail to compile, so construction happens once at package load.
func Default() Codec { return defaultCodec }
