package cl

import (
    "context"
    "errors"
    "fmt"
    "net"
    "time"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
)

// Kind identifies a convergence layer implementation.
type Kind int

const (
    KindUnknown Kind = iota
    KindMem
    KindMTCP
    KindQUIC
)

func (k Kind) String() string {
    switch k {
    case KindMem:
        return "mem"
    case KindMTCP:
        return "mtcp"
    case KindQUIC:
        return "quic"
    default:
        return "unknown"
    }
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
    switch s {
    case "mem":
        return KindMem, nil
    case "mtcp":
        return KindMTCP, nil
    case "quic":
        return KindQUIC, nil
    default:
        return KindUnknown, fmt.Errorf("cl: unknown kind %q", s)
    }
}

// Contact is the first frame exchanged on every new session, in both
// directions. It binds the transport connection to a node identity.
type Contact struct {
    EID      bundle.EID `cbor:"eid"`
    Software string     `cbor:"sw,omitempty"`
}

// Frame types on a session stream. Every frame is one type byte followed
// by the frame payload.
const (
    frameContact byte = 0x01
    frameBundle  byte = 0x02
    frameStatus  byte = 0x03
)

// Status codes answering a bundle frame.
const (
    StatusAck     byte = 0x00
    StatusRefused byte = 0x01
)

var (
    ErrBadFrame        = errors.New("cl: malformed frame")
    ErrBadHandshake    = errors.New("cl: handshake failed")
    ErrSessionClosed   = errors.New("cl: session closed")
    ErrTransferTimeout = errors.New("cl: transfer timed out")
    ErrClosed          = errors.New("cl: manager closed")
)

// Stream is a bidirectional frame stream.
// Exactly one reader goroutine is expected; writers must serialize.
type Stream interface {
    // SendBytes sends one frame as opaque bytes.
    SendBytes([]byte) error
    // RecvBytes receives the next frame and returns its bytes.
    RecvBytes() ([]byte, error)
    Close() error
}

// Session represents one connection to a peer node. The peer EID is empty
// until the contact exchange has completed.
type Session interface {
    Peer() bundle.EID
    SetPeer(bundle.EID)
    Kind() Kind
    LocalAddr() net.Addr
    RemoteAddr() net.Addr
    Established() time.Time

    // Stream opens or returns the session's bundle stream. Convergence
    // layers without multiplexing return a single shared stream.
    Stream(ctx context.Context) (Stream, error)

    // Close closes the entire session.
    Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
    // Accept blocks until an inbound session is available or ctx is done.
    Accept(ctx context.Context) (Session, error)
    // Addr returns the local listening address.
    Addr() net.Addr
    // Close stops the listener and unblocks Accept.
    Close() error
}

// Convergence provides dialing and listening for a specific link kind.
type Convergence interface {
    Kind() Kind
    // Listen starts accepting inbound sessions on address (layer-specific format).
    Listen(ctx context.Context, address string) (Listener, error)
    // Dial creates an outbound session to a peer address.
    Dial(ctx context.Context, address string) (Session, error)
}

// LocalDelivery hands bundles addressed to this node to registered
// applications. Deliver reports whether an application accepted the bundle.
type LocalDelivery interface {
    Deliver(b bundle.Bundle) bool
}

// SendFrame writes one typed frame to the stream.
func SendFrame(st Stream, typ byte, payload []byte) error {
    buf := make([]byte, 1+len(payload))
    buf[0] = typ
    copy(buf[1:], payload)
    return st.SendBytes(buf)
}

// RecvFrame reads the next typed frame from the stream.
func RecvFrame(st Stream) (byte, []byte, error) {
    buf, err := st.RecvBytes()
    if err != nil {
        return 0, nil, err
    }
    if len(buf) == 0 {
        return 0, nil, ErrBadFrame
    }
    return buf[0], buf[1:], nil
}
