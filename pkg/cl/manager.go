package cl

import (
    "context"
    "errors"
    "sort"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/routing"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
)

// Manager keeps at most one canonical link per neighbor node and tracks
// connectivity for the routing side: the first session of a node marks it
// available, the last close marks it unavailable.
type Manager struct {
    local    bundle.EID
    software string
    store    storage.Storage
    db       *routing.Database
    delivery LocalDelivery
    log      *zap.Logger

    sink routing.EventSink

    mu    sync.Mutex
    nodes map[bundle.EID]*nodeEntry

    closeOnce sync.Once
    closedCh  chan struct{}
}

type nodeEntry struct {
    canonical *link
    // candidates keeps replaced links during their grace period
    candidates []*link
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
    Local    bundle.EID
    Software string
    Store    storage.Storage
    DB       *routing.Database
    Delivery LocalDelivery
    Log      *zap.Logger
}

func NewManager(opts ManagerOptions) *Manager {
    log := opts.Log
    if log == nil {
        log = zap.L()
    }
    return &Manager{
        local:    opts.Local.Node(),
        software: opts.Software,
        store:    opts.Store,
        db:       opts.DB,
        delivery: opts.Delivery,
        log:      log.Named("cl"),
        nodes:    make(map[bundle.EID]*nodeEntry),
        closedCh: make(chan struct{}),
    }
}

// Bind wires the routing event sink. Must be called before the first
// session is registered.
func (m *Manager) Bind(sink routing.EventSink) { m.sink = sink }

func (m *Manager) notify(ev routing.Event) {
    if m.sink != nil {
        m.sink.Notify(ev)
    }
}

// Register performs the contact exchange on a fresh session and applies
// the canonical-link election. Losing sessions are closed and reported as
// not accepted.
func (m *Manager) Register(ctx context.Context, s Session) (bool, error) {
    select {
    case <-m.closedCh:
        _ = s.Close()
        return false, ErrClosed
    default:
    }

    peer, st, err := handshake(ctx, s, Contact{EID: m.local, Software: m.software})
    if err != nil {
        _ = s.Close()
        return false, err
    }
    node := peer.EID
    if node.SameNode(m.local) {
        _ = s.Close()
        return false, errors.New("cl: refusing session to self")
    }

    l := newLink(s, st)

    m.mu.Lock()
    entry := m.nodes[node]
    if entry == nil {
        entry = &nodeEntry{}
        m.nodes[node] = entry
    }
    first := entry.canonical == nil
    var replaced *link
    switch {
    case first:
        entry.canonical = l
    case better(l, entry.canonical):
        replaced = entry.canonical
        entry.canonical = l
        entry.candidates = append(entry.candidates, replaced)
    default:
        m.mu.Unlock()
        _ = s.Close()
        m.log.Debug("session lost election",
            zap.String("peer", string(node)), zap.String("kind", s.Kind().String()))
        return false, nil
    }
    m.mu.Unlock()

    if replaced != nil {
        // Let an in-flight transfer finish before the old link goes away.
        go func(old *link) {
            select {
            case <-m.closedCh:
            case <-time.After(500 * time.Millisecond):
            }
            _ = old.sess.Close()
        }(replaced)
    }

    if first {
        m.db.MarkAvailable(node)
        m.notify(routing.NodeAvailableEvent{EID: node})
    }
    m.notify(routing.ConnectionUpEvent{Peer: node})
    m.log.Info("neighbor session up",
        zap.String("peer", string(node)),
        zap.String("kind", s.Kind().String()),
        zap.Bool("replaced", replaced != nil))

    go m.serve(l)
    return true, nil
}

// serve is the per-link read loop. It routes status frames to the waiting
// sender and handles inbound bundle frames until the stream dies.
func (m *Manager) serve(l *link) {
    peer := l.sess.Peer()
    for {
        typ, body, err := RecvFrame(l.stream)
        if err != nil {
            break
        }
        switch typ {
        case frameStatus:
            if len(body) == 1 {
                select {
                case l.ackCh <- body[0]:
                default:
                }
            }
        case frameBundle:
            m.receive(l, peer, body)
        default:
            m.log.Debug("unknown frame skipped",
                zap.String("peer", string(peer)), zap.Uint8("type", typ))
        }
    }
    close(l.closed)
    m.drop(l)
}

// receive handles one inbound bundle frame and answers it with a status.
func (m *Manager) receive(l *link, peer bundle.EID, body []byte) {
    b, err := bundle.Decode(body)
    if err != nil {
        m.log.Warn("undecodable bundle refused",
            zap.String("peer", string(peer)), zap.Error(err))
        _ = l.reply(StatusRefused)
        return
    }
    b.Meta.Received = time.Now()
    if b.Meta.Expired(b.Meta.Received) {
        m.log.Debug("expired bundle refused",
            zap.String("bundle", b.Meta.ID.String()), zap.String("peer", string(peer)))
        _ = l.reply(StatusRefused)
        return
    }

    if b.Meta.Singleton() && b.Meta.Destination.SameNode(m.local) {
        if m.delivery != nil && m.delivery.Deliver(b) {
            _ = l.reply(StatusAck)
            return
        }
        // No application registered yet: keep it stored for later delivery.
    }

    switch err := m.store.Store(b); {
    case err == nil:
        _ = l.reply(StatusAck)
        m.notify(routing.BundleQueuedEvent{Meta: b.Meta, Origin: peer})
    case errors.Is(err, storage.ErrDuplicate):
        // Already held; ack so the peer marks it known and moves on.
        _ = l.reply(StatusAck)
    case errors.Is(err, storage.ErrStorageFull):
        m.log.Warn("bundle refused, storage full", zap.String("bundle", b.Meta.ID.String()))
        _ = l.reply(StatusRefused)
    default:
        m.log.Warn("bundle refused", zap.String("bundle", b.Meta.ID.String()), zap.Error(err))
        _ = l.reply(StatusRefused)
    }
}

// drop removes a dead link and, when it was the node's last one, marks
// the neighbor unavailable.
func (m *Manager) drop(l *link) {
    node := l.sess.Peer()

    m.mu.Lock()
    entry := m.nodes[node]
    lastGone := false
    if entry != nil {
        if entry.canonical == l {
            entry.canonical = nil
        } else {
            for i, c := range entry.candidates {
                if c == l {
                    entry.candidates = append(entry.candidates[:i], entry.candidates[i+1:]...)
                    break
                }
            }
        }
        if entry.canonical == nil {
            for _, c := range entry.candidates {
                _ = c.sess.Close()
            }
            delete(m.nodes, node)
            lastGone = true
        }
    }
    m.mu.Unlock()

    _ = l.sess.Close()

    if lastGone {
        m.db.MarkUnavailable(node)
        m.notify(routing.ConnectionDownEvent{Peer: node})
        m.notify(routing.NodeUnavailableEvent{EID: node})
        m.log.Info("neighbor gone", zap.String("peer", string(node)))
    }
}

// link returns the canonical link for a neighbor node, or nil.
func (m *Manager) link(node bundle.EID) *link {
    m.mu.Lock()
    defer m.mu.Unlock()
    if entry := m.nodes[node.Node()]; entry != nil {
        return entry.canonical
    }
    return nil
}

// Connected reports whether a canonical link to the node exists.
func (m *Manager) Connected(node bundle.EID) bool { return m.link(node) != nil }

// Peers returns all nodes with a live canonical link, sorted.
func (m *Manager) Peers() []bundle.EID {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := make([]bundle.EID, 0, len(m.nodes))
    for node, entry := range m.nodes {
        if entry.canonical != nil {
            out = append(out, node)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

// Close shuts every link down. Availability events are not emitted; the
// daemon is going away as a whole.
func (m *Manager) Close() {
    m.closeOnce.Do(func() { close(m.closedCh) })

    m.mu.Lock()
    links := make([]*link, 0, len(m.nodes))
    nodes := make([]bundle.EID, 0, len(m.nodes))
    for node, entry := range m.nodes {
        if entry.canonical != nil {
            links = append(links, entry.canonical)
        }
        links = append(links, entry.candidates...)
        nodes = append(nodes, node)
    }
    for _, node := range nodes {
        delete(m.nodes, node)
    }
    m.mu.Unlock()

    for _, node := range nodes {
        m.db.MarkUnavailable(node)
    }
    for _, l := range links {
        _ = l.sess.Close()
    }
}

// Preference order across kinds; higher is better.
func baseRank(k Kind) int {
    switch k {
    case KindMem:
        return 120
    case KindQUIC:
        return 100
    case KindMTCP:
        return 90
    default:
        return 0
    }
}

// better decides whether a should replace b as canonical.
func better(a, b *link) bool {
    ra := baseRank(a.sess.Kind())
    rb := baseRank(b.sess.Kind())
    if ra != rb {
        return ra > rb
    }
    // Newer establishment wins ties; reconnect races resolve forward.
    return a.sess.Established().After(b.sess.Established())
}
