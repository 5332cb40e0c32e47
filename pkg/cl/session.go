package cl

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/codec"
)

// ackTimeout bounds the wait for the peer's status frame after a bundle
// frame has been written.
const ackTimeout = 30 * time.Second

// handshake performs the contact exchange on a fresh session: send our
// contact header, read the peer's, and rebind the session to the peer's
// node identity. Returns the peer contact and the session stream.
//
// Both sides send first, so the write runs concurrently with the read;
// unbuffered transports would deadlock otherwise.
func handshake(ctx context.Context, s Session, local Contact) (Contact, Stream, error) {
    st, err := s.Stream(ctx)
    if err != nil {
        return Contact{}, nil, err
    }
    payload, err := codec.Default().Marshal(local)
    if err != nil {
        return Contact{}, nil, err
    }
    sendErr := make(chan error, 1)
    go func() { sendErr <- SendFrame(st, frameContact, payload) }()
    typ, body, err := RecvFrame(st)
    if err != nil {
        return Contact{}, nil, err
    }
    select {
    case err := <-sendErr:
        if err != nil {
            return Contact{}, nil, err
        }
    case <-ctx.Done():
        return Contact{}, nil, ctx.Err()
    }
    if typ != frameContact {
        return Contact{}, nil, fmt.Errorf("%w: first frame type 0x%02x", ErrBadHandshake, typ)
    }
    var peer Contact
    if err := codec.Default().Unmarshal(body, &peer); err != nil {
        return Contact{}, nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
    }
    eid, err := bundle.Parse(string(peer.EID))
    if err != nil {
        return Contact{}, nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
    }
    peer.EID = eid.Node()
    s.SetPeer(peer.EID)
    return peer, st, nil
}

// link is an established, contact-exchanged session owned by the manager.
// One manager goroutine reads frames; status frames are routed to the
// sender waiting in transfer.
type link struct {
    sess   Session
    stream Stream

    // sendMu admits one in-flight transfer at a time, so the next status
    // frame always belongs to the bundle just written.
    sendMu  sync.Mutex
    writeMu sync.Mutex
    ackCh   chan byte
    closed  chan struct{}
}

func newLink(s Session, st Stream) *link {
    return &link{sess: s, stream: st, ackCh: make(chan byte, 1), closed: make(chan struct{})}
}

// reply answers a received bundle frame.
func (l *link) reply(status byte) error {
    l.writeMu.Lock()
    defer l.writeMu.Unlock()
    return SendFrame(l.stream, frameStatus, []byte{status})
}

// transfer writes one bundle frame and waits for the peer's status.
func (l *link) transfer(data []byte) (byte, error) {
    l.sendMu.Lock()
    defer l.sendMu.Unlock()
    // Drop a stale status left behind by a timed-out predecessor.
    select {
    case <-l.ackCh:
    default:
    }
    l.writeMu.Lock()
    err := SendFrame(l.stream, frameBundle, data)
    l.writeMu.Unlock()
    if err != nil {
        return 0, err
    }
    select {
    case status := <-l.ackCh:
        return status, nil
    case <-l.closed:
        return 0, ErrSessionClosed
    case <-time.After(ackTimeout):
        return 0, ErrTransferTimeout
    }
}
