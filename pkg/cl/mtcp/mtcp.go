package mtcp

import (
    "bufio"
    "context"
    "encoding/binary"
    "errors"
    "io"
    "net"
    "sync"
    "time"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/cl"
)

// Layer is the minimal TCP convergence layer: one plain TCP connection
// per session with length-prefixed frames (u32 LE).
type Layer struct{}

func New() *Layer { return &Layer{} }

func (t *Layer) Kind() cl.Kind { return cl.KindMTCP }

func (t *Layer) Listen(ctx context.Context, address string) (cl.Listener, error) {
    l, err := net.Listen("tcp", address)
    if err != nil {
        return nil, err
    }
    tl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go tl.acceptLoop()
    go func() { <-ctx.Done(); _ = tl.Close() }()
    return tl, nil
}

func (t *Layer) Dial(ctx context.Context, address string) (cl.Session, error) {
    d := &net.Dialer{}
    c, err := d.DialContext(ctx, "tcp", address)
    if err != nil {
        return nil, err
    }
    return newSession(c), nil
}

func newSession(c net.Conn) *session {
    return &session{
        c:             c,
        br:            bufio.NewReader(c),
        bw:            bufio.NewWriter(c),
        establishedAt: time.Now(),
    }
}

type listener struct {
    l       net.Listener
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (cl.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("mtcp: listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    select {
    case <-l.closeCh:
    default:
        close(l.closeCh)
    }
    return l.l.Close()
}

func (l *listener) acceptLoop() {
    for {
        c, err := l.l.Accept()
        if err != nil {
            return
        }
        s := newSession(c)
        select {
        case l.newCh <- s:
        default:
            _ = s.Close()
        }
    }
}

type session struct {
    mu   sync.Mutex
    peer bundle.EID
    c    net.Conn
    br   *bufio.Reader
    bw   *bufio.Writer

    establishedAt time.Time
}

func (s *session) Peer() bundle.EID        { return s.peer }
func (s *session) SetPeer(eid bundle.EID)  { s.peer = eid }
func (s *session) Kind() cl.Kind           { return cl.KindMTCP }
func (s *session) LocalAddr() net.Addr     { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr    { return s.c.RemoteAddr() }
func (s *session) Established() time.Time  { return s.establishedAt }

func (s *session) Stream(_ context.Context) (cl.Stream, error) { return s, nil }

func (s *session) Close() error { return s.c.Close() }

// Stream methods: length-prefixed frames (u32 LE)
func (s *session) SendBytes(b []byte) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
    if _, err := s.bw.Write(lenbuf[:]); err != nil {
        return err
    }
    if _, err := s.bw.Write(b); err != nil {
        return err
    }
    return s.bw.Flush()
}

func (s *session) RecvBytes() ([]byte, error) {
    var lenbuf [4]byte
    if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
        return nil, err
    }
    n := int(binary.LittleEndian.Uint32(lenbuf[:]))
    if n < 0 || n > (1<<24) {
        return nil, errors.New("mtcp: invalid frame size")
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(s.br, buf); err != nil {
        return nil, err
    }
    return buf, nil
}
