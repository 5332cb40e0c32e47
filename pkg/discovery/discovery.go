// Package discovery announces the local node over UDP and learns about
// neighbors from the beacons other nodes send.
//
// A beacon carries the sender's node EID, a sequence number, and the
// convergence-layer services the sender listens on. Received beacons
// refresh the node book; a node that falls silent expires out of the
// book after three announcement intervals.
package discovery

import (
    "errors"
    "fmt"
    "net"
    "sync"
    "sync/atomic"
    "time"

    lru "github.com/hashicorp/golang-lru/v2"
    "go.uber.org/zap"
    "golang.org/x/time/rate"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/codec"
    "github.com/ateneo-isif/ibrdtn/pkg/core/contact"
    "github.com/ateneo-isif/ibrdtn/pkg/routing"
)

const (
    seenCacheSize = 1024

    // Inbound beacons beyond this rate are dropped unread.
    beaconRate  = 50
    beaconBurst = 100

    maxBeaconSize = 8 << 10
)

// Dialer is the slice of the contact runtime discovery feeds.
type Dialer interface {
    ConnectNode(eid bundle.EID)
}

type Options struct {
    Local    bundle.EID        // node EID announced in beacons
    Addr     string            // group or unicast address, host:port
    Interval time.Duration     // announcement period, default 10s
    Services []contact.Service // advertised convergence layers
    Book     *contact.NodeBook // refreshed from received beacons
    Sink     routing.EventSink // receives availability hints, may be nil
    Dialer   Dialer            // dials discovered nodes, may be nil
    Log      *zap.Logger
}

// Discovery runs the announcer and the beacon listener.
type Discovery struct {
    local    bundle.EID
    group    *net.UDPAddr
    interval time.Duration
    services []contact.Service
    book     *contact.NodeBook
    sink     routing.EventSink
    dialer   Dialer
    log      *zap.Logger

    tx   *net.UDPConn
    rx   *net.UDPConn // nil in announce-only mode
    seq  atomic.Uint64
    seen *lru.Cache[seenKey, struct{}]
    rl   *rate.Limiter

    closeOnce sync.Once
    closeCh   chan struct{}
    wg        sync.WaitGroup
}

// New opens the sockets and starts announcing and listening. When the
// listen address is already taken, for example by a second daemon on
// the same host, discovery degrades to announce-only instead of
// failing the whole daemon.
func New(opts Options) (*Discovery, error) {
    if opts.Local.IsNone() { return nil, errors.New("discovery: local EID required") }
    if opts.Book == nil { return nil, errors.New("discovery: node book required") }
    if opts.Interval <= 0 { opts.Interval = 10 * time.Second }
    log := opts.Log
    if log == nil { log = zap.L() }

    group, err := net.ResolveUDPAddr("udp4", opts.Addr)
    if err != nil { return nil, fmt.Errorf("discovery: resolve %q: %w", opts.Addr, err) }
    seen, err := lru.New[seenKey, struct{}](seenCacheSize)
    if err != nil { return nil, err }

    d := &Discovery{
        local:    opts.Local.Node(),
        group:    group,
        interval: opts.Interval,
        services: opts.Services,
        book:     opts.Book,
        sink:     opts.Sink,
        dialer:   opts.Dialer,
        log:      log.Named("discovery"),
        seen:     seen,
        rl:       rate.NewLimiter(rate.Limit(beaconRate), beaconBurst),
        closeCh:  make(chan struct{}),
    }
    // Seed from the clock so a restarted daemon does not reuse sequence
    // numbers its peers still hold in their duplicate caches.
    d.seq.Store(uint64(time.Now().UnixNano()))

    d.tx, err = net.ListenUDP("udp4", nil)
    if err != nil { return nil, fmt.Errorf("discovery: open send socket: %w", err) }

    if group.IP != nil && group.IP.IsMulticast() {
        d.rx, err = net.ListenMulticastUDP("udp4", nil, group)
    } else {
        d.rx, err = net.ListenUDP("udp4", group)
    }
    if err != nil {
        d.log.Warn("receive bind failed, announce only",
            zap.String("addr", opts.Addr), zap.Error(err))
        d.rx = nil
    }

    d.wg.Add(1)
    go d.announceLoop()
    if d.rx != nil {
        d.wg.Add(1)
        go d.receiveLoop()
    }
    d.log.Info("discovery started",
        zap.Stringer("group", group), zap.Duration("interval", d.interval))
    return d, nil
}

// LocalAddr returns the bound receive address, or nil in announce-only
// mode.
func (d *Discovery) LocalAddr() *net.UDPAddr {
    if d.rx == nil { return nil }
    return d.rx.LocalAddr().(*net.UDPAddr)
}

// Close stops both loops and releases the sockets.
func (d *Discovery) Close() {
    d.closeOnce.Do(func() {
        close(d.closeCh)
        d.tx.Close()
        if d.rx != nil { d.rx.Close() }
    })
    d.wg.Wait()
}

func (d *Discovery) announceLoop() {
    defer d.wg.Done()
    t := time.NewTicker(d.interval)
    defer t.Stop()
    d.announce()
    for {
        select {
        case <-d.closeCh:
            return
        case <-t.C:
            d.announce()
        }
    }
}

func (d *Discovery) announce() {
    b := Beacon{EID: d.local, Seq: d.seq.Add(1), Services: d.services}
    data, err := codec.Default().Marshal(&b)
    if err != nil {
        d.log.Error("beacon encode failed", zap.Error(err))
        return
    }
    if _, err := d.tx.WriteToUDP(data, d.group); err != nil {
        d.log.Debug("beacon send failed", zap.Error(err))
    }
}

func (d *Discovery) receiveLoop() {
    defer d.wg.Done()
    buf := make([]byte, maxBeaconSize)
    for {
        n, src, err := d.rx.ReadFromUDP(buf)
        if err != nil {
            select {
            case <-d.closeCh:
            default:
                d.log.Warn("receive loop ended", zap.Error(err))
            }
            return
        }
        d.handle(buf[:n], src)
    }
}

// handle processes one received datagram.
func (d *Discovery) handle(data []byte, src *net.UDPAddr) {
    if !d.rl.Allow() { return }
    var b Beacon
    if err := codec.Default().Unmarshal(data, &b); err != nil {
        d.log.Debug("undecodable beacon", zap.Stringer("src", src), zap.Error(err))
        return
    }
    node := b.EID.Node()
    if _, err := bundle.Parse(string(node)); err != nil || node.IsNone() {
        d.log.Debug("beacon with unusable EID", zap.Stringer("src", src))
        return
    }
    if node.SameNode(d.local) { return } // our own beacon looped back

    key := seenKey{node: node, seq: b.Seq}
    if d.seen.Contains(key) { return }
    d.seen.Add(key, struct{}{})

    services := rewriteHosts(b.Services, src)
    if d.book.Observe(node, services, 3*d.interval) {
        d.log.Info("neighbor discovered",
            zap.String("node", string(node)), zap.Stringer("src", src))
        if d.sink != nil { d.sink.Notify(routing.NodeAvailableEvent{EID: node}) }
    }
    if d.dialer != nil { d.dialer.ConnectNode(node) }
}
