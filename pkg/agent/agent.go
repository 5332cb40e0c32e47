// Package agent attaches local applications to the daemon. An
// application connects over TCP or, on Windows, a named pipe, registers
// an endpoint under the node EID, and from then on sends bundles and
// receives deliveries over the framed attach protocol.
package agent

import (
    "errors"
    "fmt"
    "io"
    "net"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/core/contact"
    "github.com/ateneo-isif/ibrdtn/pkg/routing"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
)

const (
    opRegister  = "register"
    opSend      = "send"
    opNeighbors = "neighbors"
    opDeliver   = "deliver"
    opNotify    = "notify"
)

const (
    // maxBuffered caps how many bundles may wait in storage for one
    // endpoint nobody has registered yet.
    maxBuffered = 32

    defaultLifetime = time.Hour
    defaultHops     = uint32(64)
)

// ContactSource reports which nodes currently count as reachable.
type ContactSource interface {
    Neighbors() []bundle.EID
}

type Options struct {
    Local bundle.EID
    Addr  string // TCP attach address, empty disables
    Pipe  string // Windows named pipe, empty disables

    Store    storage.Storage
    Contacts ContactSource     // may be nil
    Book     *contact.NodeBook // may be nil
    Log      *zap.Logger
}

// Agent is the attach server. It also feeds the daemon: inbound bundles
// for registered endpoints arrive through Deliver, confirmed remote
// deliveries through Delivered.
type Agent struct {
    local    bundle.EID
    store    storage.Storage
    sink     routing.EventSink
    contacts ContactSource
    book     *contact.NodeBook
    log      *zap.Logger

    listeners []net.Listener

    mu         sync.Mutex
    sessions   map[*session]struct{}
    byEndpoint map[bundle.EID]*session

    closeOnce sync.Once
    closeCh   chan struct{}
    wg        sync.WaitGroup
}

// session is one attached application connection. Registration state is
// guarded by the agent mutex, frame writes by wmu.
type session struct {
    conn net.Conn
    wmu  sync.Mutex

    endpoint bundle.EID
    token    string
}

func New(opts Options) (*Agent, error) {
    if opts.Local.IsNone() { return nil, errors.New("agent: local EID required") }
    if opts.Store == nil { return nil, errors.New("agent: storage required") }
    log := opts.Log
    if log == nil { log = zap.L() }

    a := &Agent{
        local:      opts.Local.Node(),
        store:      opts.Store,
        contacts:   opts.Contacts,
        book:       opts.Book,
        log:        log.Named("agent"),
        sessions:   make(map[*session]struct{}),
        byEndpoint: make(map[bundle.EID]*session),
        closeCh:    make(chan struct{}),
    }
    if opts.Addr != "" {
        ln, err := net.Listen("tcp", opts.Addr)
        if err != nil { return nil, fmt.Errorf("agent: listen %q: %w", opts.Addr, err) }
        a.listeners = append(a.listeners, ln)
    }
    if opts.Pipe != "" {
        ln, err := listenPipe(opts.Pipe)
        if err != nil {
            a.log.Warn("pipe attach unavailable", zap.String("pipe", opts.Pipe), zap.Error(err))
        } else {
            a.listeners = append(a.listeners, ln)
        }
    }
    if len(a.listeners) == 0 { return nil, errors.New("agent: no usable attach listener") }

    for _, ln := range a.listeners {
        a.wg.Add(1)
        go a.acceptLoop(ln)
        a.log.Info("attach listener up", zap.String("addr", ln.Addr().String()))
    }
    return a, nil
}

// Bind wires the routing event sink. Must be called before the first
// application attaches.
func (a *Agent) Bind(sink routing.EventSink) { a.sink = sink }

func (a *Agent) notify(ev routing.Event) {
    if a.sink != nil { a.sink.Notify(ev) }
}

// Addr returns the first attach listener address.
func (a *Agent) Addr() net.Addr {
    if len(a.listeners) == 0 { return nil }
    return a.listeners[0].Addr()
}

// Close stops the listeners and drops every attached application.
func (a *Agent) Close() {
    a.closeOnce.Do(func() {
        close(a.closeCh)
        for _, ln := range a.listeners { _ = ln.Close() }
        a.mu.Lock()
        for s := range a.sessions { _ = s.conn.Close() }
        a.mu.Unlock()
    })
    a.wg.Wait()
}

func (a *Agent) acceptLoop(ln net.Listener) {
    defer a.wg.Done()
    for {
        conn, err := ln.Accept()
        if err != nil {
            select {
            case <-a.closeCh:
                return
            default:
            }
            a.log.Warn("attach accept failed", zap.Error(err))
            return
        }
        a.wg.Add(1)
        go a.serve(conn)
    }
}

func (a *Agent) serve(conn net.Conn) {
    defer a.wg.Done()
    s := &session{conn: conn}
    a.mu.Lock()
    a.sessions[s] = struct{}{}
    a.mu.Unlock()
    defer a.detach(s)

    for {
        var req Request
        if err := readFrame(conn, &req); err != nil {
            if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
                a.log.Debug("attach session ended", zap.Error(err))
            }
            return
        }
        a.dispatch(s, &req)
    }
}

func (a *Agent) detach(s *session) {
    a.mu.Lock()
    delete(a.sessions, s)
    if !s.endpoint.IsNone() && a.byEndpoint[s.endpoint] == s {
        delete(a.byEndpoint, s.endpoint)
        a.log.Info("application detached", zap.String("endpoint", string(s.endpoint)))
    }
    a.mu.Unlock()
    _ = s.conn.Close()
}

func (a *Agent) dispatch(s *session, req *Request) {
    switch req.Op {
    case opRegister:
        a.handleRegister(s, req)
    case opSend:
        a.handleSend(s, req)
    case opNeighbors:
        a.handleNeighbors(s)
    default:
        a.reply(s, Response{Op: req.Op, Error: "unknown op"})
    }
}

func (a *Agent) handleRegister(s *session, req *Request) {
    if req.Suffix == "" || strings.ContainsAny(req.Suffix, "/ \t\r\n") {
        a.reply(s, Response{Op: opRegister, Error: "unusable suffix"})
        return
    }
    endpoint := a.local.WithApplication(req.Suffix)
    token := uuid.NewString()

    a.mu.Lock()
    if other := a.byEndpoint[endpoint]; other != nil && other != s {
        a.mu.Unlock()
        a.reply(s, Response{Op: opRegister, Error: "endpoint already registered"})
        return
    }
    if !s.endpoint.IsNone() { delete(a.byEndpoint, s.endpoint) }
    s.endpoint, s.token = endpoint, token
    a.byEndpoint[endpoint] = s
    a.mu.Unlock()

    a.log.Info("application registered", zap.String("endpoint", string(endpoint)))
    a.reply(s, Response{Op: opRegister, Token: token, Endpoint: endpoint})
    a.flush(s, endpoint)
}

func (a *Agent) handleSend(s *session, req *Request) {
    a.mu.Lock()
    endpoint, token := s.endpoint, s.token
    a.mu.Unlock()
    if endpoint.IsNone() {
        a.reply(s, Response{Op: opSend, Error: "register first"})
        return
    }
    if req.Token != token {
        a.reply(s, Response{Op: opSend, Error: "bad token"})
        return
    }
    dst, err := bundle.Parse(string(req.Destination))
    if err != nil || dst.IsNone() {
        a.reply(s, Response{Op: opSend, Error: "unusable destination"})
        return
    }

    lifetime := time.Duration(req.LifetimeSec) * time.Second
    if lifetime <= 0 { lifetime = defaultLifetime }
    hops := req.Hops
    if hops == 0 { hops = defaultHops }
    var flags bundle.Flags
    if req.Singleton { flags |= bundle.FlagSingleton }
    if req.Report { flags |= bundle.FlagDeliveryReport }

    b := bundle.New(endpoint, dst, flags, hops, lifetime, req.Payload)

    // Loopback: a singleton for this node never touches the network.
    if b.Meta.Singleton() && dst.SameNode(a.local) {
        if t := a.lookup(dst); t != nil && a.push(t, Response{Op: opDeliver, OK: true, Bundle: &b}) {
            a.reply(s, Response{Op: opSend, ID: &b.Meta.ID})
            return
        }
        if a.buffered(dst) >= maxBuffered {
            a.reply(s, Response{Op: opSend, Error: "destination not attached and its buffer is full"})
            return
        }
    }

    switch err := a.store.Store(b); {
    case err == nil:
    case errors.Is(err, storage.ErrStorageFull):
        a.reply(s, Response{Op: opSend, Error: "storage full"})
        return
    default:
        a.log.Warn("send rejected", zap.String("bundle", b.Meta.ID.String()), zap.Error(err))
        a.reply(s, Response{Op: opSend, Error: "storage rejected the bundle"})
        return
    }
    a.notify(routing.BundleQueuedEvent{Meta: b.Meta, Origin: a.local})
    a.log.Debug("bundle sent",
        zap.String("bundle", b.Meta.ID.String()), zap.String("destination", string(dst)))
    a.reply(s, Response{Op: opSend, ID: &b.Meta.ID})
}

func (a *Agent) handleNeighbors(s *session) {
    var out []NeighborInfo
    idx := make(map[bundle.EID]int)
    if a.contacts != nil {
        for _, p := range a.contacts.Neighbors() {
            idx[p] = len(out)
            out = append(out, NeighborInfo{EID: p, Connected: true})
        }
    }
    if a.book != nil {
        for _, rec := range a.book.List() {
            if i, ok := idx[rec.EID]; ok {
                out[i].Services = rec.Services
                continue
            }
            out = append(out, NeighborInfo{EID: rec.EID, Services: rec.Services})
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].EID < out[j].EID })
    a.reply(s, Response{Op: opNeighbors, Neighbors: out})
}

// Deliver hands an inbound bundle to the session registered for its
// destination. A miss tells the caller to keep the bundle buffered.
func (a *Agent) Deliver(b bundle.Bundle) bool {
    s := a.lookup(b.Meta.Destination)
    if s == nil { return false }
    if !a.push(s, Response{Op: opDeliver, OK: true, Bundle: &b}) { return false }
    a.log.Debug("bundle delivered",
        zap.String("bundle", b.Meta.ID.String()), zap.String("endpoint", string(b.Meta.Destination)))
    return true
}

// Delivered pushes a delivery notification to the application that
// originated the bundle. Only senders that asked for a report hear
// about it.
func (a *Agent) Delivered(peer bundle.EID, m bundle.Meta) {
    if !m.ReportRequested() { return }
    s := a.lookup(m.ID.Source)
    if s == nil { return }
    id := m.ID
    a.push(s, Response{Op: opNotify, OK: true, ID: &id, Endpoint: m.Destination, Peer: peer})
}

// flush drains stored bundles for a freshly registered endpoint. Bundles
// leave storage only after their deliver frame went out.
func (a *Agent) flush(s *session, endpoint bundle.EID) {
    for {
        metas := a.store.Query(deliverFilter{endpoint: endpoint})
        if len(metas) == 0 { return }
        for _, m := range metas {
            b, err := a.store.Get(m.ID)
            if err != nil {
                if errors.Is(err, storage.ErrNotFound) { continue }
                a.log.Warn("load buffered bundle", zap.String("bundle", m.ID.String()), zap.Error(err))
                return
            }
            if !a.push(s, Response{Op: opDeliver, OK: true, Bundle: &b}) { return }
            if err := a.store.Remove(m.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
                a.log.Warn("remove delivered bundle", zap.String("bundle", m.ID.String()), zap.Error(err))
                return
            }
        }
        if len(metas) < maxBuffered { return }
    }
}

func (a *Agent) lookup(endpoint bundle.EID) *session {
    a.mu.Lock()
    defer a.mu.Unlock()
    return a.byEndpoint[endpoint]
}

func (a *Agent) buffered(endpoint bundle.EID) int {
    return len(a.store.Query(deliverFilter{endpoint: endpoint}))
}

func (a *Agent) reply(s *session, resp Response) {
    resp.OK = resp.Error == ""
    if !a.push(s, resp) { _ = s.conn.Close() }
}

func (a *Agent) push(s *session, resp Response) bool {
    s.wmu.Lock()
    defer s.wmu.Unlock()
    if err := writeFrame(s.conn, &resp); err != nil {
        a.log.Debug("attach write failed", zap.Error(err))
        return false
    }
    return true
}

// deliverFilter selects stored bundles destined to one exact local
// endpoint, the way register-time flushing and buffer accounting see
// them.
type deliverFilter struct{ endpoint bundle.EID }

func (f deliverFilter) Limit() int { return maxBuffered }

func (f deliverFilter) Accepts(m bundle.Meta) bool {
    return m.Singleton() && m.Destination == f.endpoint && !m.Expired(time.Now())
}
