package quicl

import (
    "bufio"
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "encoding/binary"
    "errors"
    "io"
    "math/big"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/cl"
)

const alpn = "dtn"

// Layer implements QUIC sessions with one bidirectional bundle stream per
// session. TLS provides transport encryption only; node identity comes
// from the contact exchange, so the dialer skips certificate verification.
type Layer struct {
    tlsConf  *tls.Config
    quicConf *quicgo.Config
}

func New() (*Layer, error) {
    cert, err := selfSignedCert()
    if err != nil {
        return nil, err
    }
    return &Layer{
        tlsConf: &tls.Config{
            Certificates: []tls.Certificate{cert},
            NextProtos:   []string{alpn},
            MinVersion:   tls.VersionTLS13,
        },
        quicConf: &quicgo.Config{
            MaxIdleTimeout:  2 * time.Minute,
            KeepAlivePeriod: 15 * time.Second,
        },
    }, nil
}

func (t *Layer) Kind() cl.Kind { return cl.KindQUIC }

func (t *Layer) Listen(ctx context.Context, address string) (cl.Listener, error) {
    l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
    if err != nil {
        return nil, err
    }
    ql := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go ql.acceptLoop(ctx)
    go func() { <-ctx.Done(); _ = ql.Close() }()
    return ql, nil
}

func (t *Layer) Dial(ctx context.Context, address string) (cl.Session, error) {
    tlsClient := &tls.Config{
        InsecureSkipVerify: true,
        NextProtos:         []string{alpn},
        MinVersion:         tls.VersionTLS13,
    }
    c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
    if err != nil {
        return nil, err
    }
    return &session{c: c, establishedAt: time.Now()}, nil
}

// ---- Listener ----

type listener struct {
    l       *quicgo.Listener
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (cl.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("quicl: listener closed")
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

func (l *listener) acceptLoop(ctx context.Context) {
    for {
        c, err := l.l.Accept(ctx)
        if err != nil {
            return
        }
        s := &session{c: c, inbound: true, establishedAt: time.Now()}
        select {
        case l.newCh <- s:
        default:
            _ = s.Close()
        }
    }
}

// ---- Session ----

type session struct {
    peer    bundle.EID
    c       quicgo.Connection
    inbound bool

    establishedAt time.Time

    mu   sync.Mutex
    ctrl *qstream
}

func (s *session) Peer() bundle.EID        { return s.peer }
func (s *session) SetPeer(eid bundle.EID)  { s.peer = eid }
func (s *session) Kind() cl.Kind           { return cl.KindQUIC }
func (s *session) LocalAddr() net.Addr     { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr    { return s.c.RemoteAddr() }
func (s *session) Established() time.Time  { return s.establishedAt }

// Stream opens (dialer) or accepts (listener side) the session's single
// bundle stream.
func (s *session) Stream(ctx context.Context) (cl.Stream, error) {
    s.mu.Lock()
    if s.ctrl != nil {
        st := s.ctrl
        s.mu.Unlock()
        return st, nil
    }
    s.mu.Unlock()

    var (
        qs  quicgo.Stream
        err error
    )
    if s.inbound {
        qs, err = s.c.AcceptStream(ctx)
    } else {
        qs, err = s.c.OpenStreamSync(ctx)
    }
    if err != nil {
        return nil, err
    }
    st := &qstream{qs: qs, br: bufio.NewReader(qs), bw: bufio.NewWriter(qs)}
    s.mu.Lock()
    s.ctrl = st
    s.mu.Unlock()
    return st, nil
}

func (s *session) Close() error { return s.c.CloseWithError(0, "") }

// qstream frames a QUIC bidirectional stream (u32 LE length prefix).
type qstream struct {
    mu sync.Mutex
    qs quicgo.Stream
    br *bufio.Reader
    bw *bufio.Writer
}

func (st *qstream) SendBytes(b []byte) error {
    st.mu.Lock()
    defer st.mu.Unlock()
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
    if _, err := st.bw.Write(lenbuf[:]); err != nil {
        return err
    }
    if _, err := st.bw.Write(b); err != nil {
        return err
    }
    return st.bw.Flush()
}

func (st *qstream) RecvBytes() ([]byte, error) {
    var lenbuf [4]byte
    if _, err := io.ReadFull(st.br, lenbuf[:]); err != nil {
        return nil, err
    }
    n := int(binary.LittleEndian.Uint32(lenbuf[:]))
    if n < 0 || n > (1<<24) {
        return nil, errors.New("quicl: invalid frame size")
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(st.br, buf); err != nil {
        return nil, err
    }
    return buf, nil
}

func (st *qstream) Close() error { return st.qs.Close() }

// ---- Helpers ----

// selfSignedCert generates a short-lived self-signed TLS certificate for
// the server side.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil {
        return tls.Certificate{}, err
    }
    tmpl := x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil {
        return tls.Certificate{}, err
    }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
