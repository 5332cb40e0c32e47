package bundle

import (
    "github.com/ateneo-isif/ibrdtn/pkg/codec"
)

// Encode serializes a bundle with the canonical codec. The same bytes go
// onto convergence-layer frames and into the disk store.
func Encode(b Bundle) ([]byte, error) { return codec.Default().Marshal(b) }

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Bundle, error) {
    var b Bundle
    if err := codec.Default().Unmarshal(data, &b); err != nil { return Bundle{}, err }
    return b, nil
}
