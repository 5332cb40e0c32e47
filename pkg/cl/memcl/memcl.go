package memcl

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

// Layer is an in-process convergence layer over net.Pipe. Used by tests
// and single-process topologies.
type Layer struct {
    mu        sync.Mutex
    listeners map[string]*listener
}

func New() *Layer { return &Layer{listeners: make(map[string]*listener)} }

func (t *Layer) Kind() cl.Kind { return cl.KindMem }

func (t *Layer) Listen(ctx context.Context, name string) (cl.Listener, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if _, ok := t.listeners[name]; ok {
        return nil, errors.New("memcl: listener already exists")
    }
    l := &listener{name: name, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    t.listeners[name] = l
    go func() { <-ctx.Done(); _ = l.Close(); t.mu.Lock(); delete(t.listeners, name); t.mu.Unlock() }()
    return l, nil
}

func (t *Layer) Dial(_ context.Context, name string) (cl.Session, error) {
    t.mu.Lock()
    l := t.listeners[name]
    t.mu.Unlock()
    if l == nil {
        return nil, errors.New("memcl: no such listener")
    }
    c1, c2 := net.Pipe()
    srv := &session{c: c1, establishedAt: time.Now()}
    dlr := &session{c: c2, establishedAt: time.Now()}
    select {
    case l.newCh <- srv:
    default:
        _ = srv.Close()
        _ = dlr.Close()
        return nil, errors.New("memcl: accept backlog full")
    }
    return dlr, nil
}

type listener struct {
    name    string
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (cl.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("memcl: listener closed")
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
    return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

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
func (s *session) Kind() cl.Kind           { return cl.KindMem }
func (s *session) LocalAddr() net.Addr     { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr    { return s.c.RemoteAddr() }
func (s *session) Established() time.Time  { return s.establishedAt }

func (s *session) Stream(_ context.Context) (cl.Stream, error) {
    if s.br == nil || s.bw == nil {
        s.br = bufio.NewReader(s.c)
        s.bw = bufio.NewWriter(s.c)
    }
    return s, nil
}

func (s *session) Close() error { return s.c.Close() }

// Stream methods: length-prefixed frames (u32 LE)
func (s *session) SendBytes(b []byte) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.bw == nil {
        s.bw = bufio.NewWriter(s.c)
    }
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
    if s.br == nil {
        s.br = bufio.NewReader(s.c)
    }
    var lenbuf [4]byte
    if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
        return nil, err
    }
    n := int(binary.LittleEndian.Uint32(lenbuf[:]))
    if n < 0 || n > (1<<24) {
        return nil, errors.New("memcl: invalid frame size")
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(s.br, buf); err != nil {
        return nil, err
    }
    return buf, nil
}
