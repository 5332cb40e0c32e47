// Package contact keeps the daemon in touch with its neighbors: it runs
// the convergence-layer listeners, dials static peers with backoff, and
// follows up on nodes discovery has written into the NodeBook.
package contact

import (
    "context"
    "errors"
    "math/rand/v2"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/cl"
    "github.com/ateneo-isif/ibrdtn/pkg/config"
)

const (
    redialPoll      = 5 * time.Second
    discoveredTries = 5
)

// Deps are the collaborators the contact runtime drives.
type Deps struct {
    Manager *cl.Manager
    Book    *NodeBook
    Factory *Factory    // nil means a fresh private factory
    Log     *zap.Logger // nil means the process logger
}

// Runtime owns the accept and dial goroutines started by Start.
type Runtime struct {
    mgr  *cl.Manager
    book *NodeBook
    fac  *Factory
    log  *zap.Logger

    backoffInitial time.Duration
    backoffMax     time.Duration

    ctx    context.Context
    cancel context.CancelFunc

    mu      sync.Mutex
    dialing map[string]struct{}
    closers []func()

    activeDials     atomic.Int64
    activeListeners atomic.Int64
}

// Start opens the configured listeners and begins dialing the configured
// static neighbors. Listeners that fail to open are logged and skipped;
// the runtime keeps accepting and redialing until Stop.
func Start(ctx context.Context, cfg config.CLConfig, deps Deps) (*Runtime, error) {
    log := deps.Log
    if log == nil { log = zap.L() }
    fac := deps.Factory
    if fac == nil { fac = &Factory{} }
    rtCtx, cancel := context.WithCancel(ctx)
    rt := &Runtime{
        mgr:            deps.Manager,
        book:           deps.Book,
        fac:            fac,
        log:            log.Named("contact"),
        backoffInitial: time.Duration(cfg.DialBackoffInitialMS) * time.Millisecond,
        backoffMax:     time.Duration(cfg.DialBackoffMaxMS) * time.Millisecond,
        ctx:            rtCtx,
        cancel:         cancel,
        dialing:        make(map[string]struct{}),
    }
    if rt.backoffInitial <= 0 { rt.backoffInitial = 500 * time.Millisecond }
    if rt.backoffMax <= 0 { rt.backoffMax = 30 * time.Second }

    for _, ep := range cfg.Listen {
        conv, err := rt.fac.NewByKind(ep.Kind)
        if err != nil {
            rt.log.Warn("convergence layer not available",
                zap.String("kind", ep.Kind), zap.Error(err))
            continue
        }
        l, err := conv.Listen(rtCtx, ep.Addr)
        if err != nil {
            rt.log.Error("listen failed",
                zap.String("kind", ep.Kind), zap.String("addr", ep.Addr), zap.Error(err))
            continue
        }
        rt.log.Info("listening",
            zap.String("kind", conv.Kind().String()), zap.String("addr", l.Addr().String()))
        rt.closers = append(rt.closers, func() { _ = l.Close() })
        rt.activeListeners.Add(1)
        go func() {
            defer rt.activeListeners.Add(-1)
            rt.acceptLoop(l)
        }()
    }

    for _, ep := range cfg.Peers {
        if err := rt.dialStatic(ep.Kind, ep.Addr); err != nil {
            rt.log.Warn("static neighbor not dialable",
                zap.String("kind", ep.Kind), zap.String("addr", ep.Addr), zap.Error(err))
        }
    }
    return rt, nil
}

// Stop cancels every loop and closes the listeners.
func (rt *Runtime) Stop() {
    rt.cancel()
    for i := len(rt.closers) - 1; i >= 0; i-- {
        rt.closers[i]()
    }
}

func (rt *Runtime) ActiveDials() int64     { return rt.activeDials.Load() }
func (rt *Runtime) ActiveListeners() int64 { return rt.activeListeners.Load() }

func (rt *Runtime) acceptLoop(l cl.Listener) {
    for {
        s, err := l.Accept(rt.ctx)
        if err != nil {
            select {
            case <-rt.ctx.Done():
                return
            default:
            }
            rt.log.Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
            return
        }
        // Register on its own goroutine; a stalling handshake must not
        // hold up the accept loop.
        go func(s cl.Session) {
            if _, err := rt.mgr.Register(rt.ctx, s); err != nil {
                rt.log.Warn("inbound session rejected",
                    zap.String("raddr", s.RemoteAddr().String()), zap.Error(err))
            }
        }(s)
    }
}

// dialStatic starts the endless dial loop for one configured neighbor
// address. Duplicate addresses share one loop.
func (rt *Runtime) dialStatic(kind, addr string) error {
    conv, err := rt.fac.NewByKind(kind)
    if err != nil { return err }
    if !rt.claim(kind + "|" + addr) { return nil }
    rt.activeDials.Add(1)
    go func() {
        defer func() {
            rt.activeDials.Add(-1)
            rt.release(kind + "|" + addr)
        }()
        rt.dialLoop(conv, addr)
    }()
    return nil
}

// ConnectNode starts dialing the advertised services of a discovered
// node. The attempt ends when a session is up, the node record expires,
// the try budget runs out, or the runtime stops. Redundant calls while a
// dial for the node is running are dropped.
func (rt *Runtime) ConnectNode(eid bundle.EID) {
    node := eid.Node()
    if rt.mgr.Connected(node) { return }
    if !rt.claim("node|" + string(node)) { return }
    rt.activeDials.Add(1)
    go func() {
        defer func() {
            rt.activeDials.Add(-1)
            rt.release("node|" + string(node))
        }()
        rt.dialNode(node)
    }()
}

func (rt *Runtime) claim(key string) bool {
    rt.mu.Lock()
    defer rt.mu.Unlock()
    if _, busy := rt.dialing[key]; busy { return false }
    rt.dialing[key] = struct{}{}
    return true
}

func (rt *Runtime) release(key string) {
    rt.mu.Lock()
    delete(rt.dialing, key)
    rt.mu.Unlock()
}

// dialLoop keeps one static neighbor address connected: dial, hand the
// session to the manager, sleep while the neighbor stays up, redial when
// it is gone. Failures back off exponentially with jitter.
func (rt *Runtime) dialLoop(conv cl.Convergence, addr string) {
    backoff := rt.backoffInitial
    for {
        select {
        case <-rt.ctx.Done():
            return
        default:
        }
        sess, err := conv.Dial(rt.ctx, addr)
        if err == nil {
            var ok bool
            ok, err = rt.mgr.Register(rt.ctx, sess)
            if err == nil {
                // Either this session became canonical or one already
                // exists; both mean the neighbor is up.
                peer := sess.Peer().Node()
                rt.log.Info("neighbor dialed",
                    zap.String("peer", string(peer)),
                    zap.String("kind", conv.Kind().String()),
                    zap.String("addr", addr),
                    zap.Bool("canonical", ok))
                backoff = rt.backoffInitial
                if !rt.waitGone(peer) { return }
                continue
            }
        }
        rt.log.Warn("dial failed",
            zap.String("kind", conv.Kind().String()), zap.String("addr", addr), zap.Error(err))
        if !rt.sleep(withJitter(backoff)) { return }
        backoff = escalate(backoff, rt.backoffMax)
    }
}

// dialNode keeps trying a discovered node while its book record stays
// alive, walking the advertised services in order.
func (rt *Runtime) dialNode(node bundle.EID) {
    backoff := rt.backoffInitial
    tries := 0
    for {
        select {
        case <-rt.ctx.Done():
            return
        default:
        }
        rec, ok := rt.book.Get(node)
        if !ok {
            rt.log.Debug("node record gone, dial abandoned", zap.String("node", string(node)))
            return
        }
        if rt.mgr.Connected(node) {
            if !rt.waitGone(node) { return }
            backoff, tries = rt.backoffInitial, 0
            continue
        }
        sess, err := rt.dialServices(rec)
        if err == nil {
            var canonical bool
            canonical, err = rt.mgr.Register(rt.ctx, sess)
            if err == nil {
                rt.log.Info("discovered neighbor dialed",
                    zap.String("peer", string(sess.Peer().Node())),
                    zap.Bool("canonical", canonical))
                if !rt.waitGone(node) { return }
                backoff, tries = rt.backoffInitial, 0
                continue
            }
        }
        tries++
        if tries >= discoveredTries {
            rt.log.Debug("giving up on discovered node",
                zap.String("node", string(node)), zap.Error(err))
            return
        }
        rt.log.Debug("discovered node dial failed",
            zap.String("node", string(node)), zap.Error(err))
        if !rt.sleep(withJitter(backoff)) { return }
        backoff = escalate(backoff, rt.backoffMax)
    }
}

// dialServices tries each advertised service once, in advertised order.
func (rt *Runtime) dialServices(rec NodeRecord) (cl.Session, error) {
    var lastErr error
    for _, svc := range rec.Services {
        conv, err := rt.fac.NewByKind(svc.Kind)
        if err != nil {
            lastErr = err
            continue
        }
        sess, err := conv.Dial(rt.ctx, svc.Addr)
        if err != nil {
            lastErr = err
            continue
        }
        return sess, nil
    }
    if lastErr == nil { lastErr = errors.New("contact: no dialable services") }
    return nil, lastErr
}

// waitGone blocks while node stays connected; false means the runtime
// stopped first.
func (rt *Runtime) waitGone(node bundle.EID) bool {
    for {
        select {
        case <-rt.ctx.Done():
            return false
        case <-time.After(redialPoll):
        }
        if !rt.mgr.Connected(node) { return true }
    }
}

func (rt *Runtime) sleep(d time.Duration) bool {
    select {
    case <-rt.ctx.Done():
        return false
    case <-time.After(d):
        return true
    }
}

// withJitter spreads d up to twenty percent either way so restarted
// daemons do not redial in lockstep.
func withJitter(d time.Duration) time.Duration {
    if d <= 0 { return d }
    amp := d / 5
    if amp <= 0 { return d }
    return d - amp + rand.N(2*amp)
}

func escalate(b, limit time.Duration) time.Duration {
    b *= 2
    if b > limit { return limit }
    return b
}
