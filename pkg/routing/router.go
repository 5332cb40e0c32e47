package routing

import (
    "errors"
    "fmt"
    "sync"

    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
)

// Storage is the slice of the bundle store the router consumes.
type Storage interface {
    Query(f storage.Filter) []bundle.Meta
    GetMeta(id bundle.ID) (bundle.Meta, error)
    Remove(id bundle.ID) error
}

// TransferInitiator pushes one bundle toward one neighbor. ErrInTransit
// and ErrNoSlots are expected outcomes; anything else is treated as an
// engine fault.
type TransferInitiator interface {
    Initiate(neighbor bundle.EID, m bundle.Meta) error
}

// DeliveryNotifier observes confirmed final deliveries.
type DeliveryNotifier interface {
    Delivered(peer bundle.EID, m bundle.Meta)
}

// Deps are the collaborators a Router needs, all injected at construction.
type Deps struct {
    Store      Storage
    DB         *Database
    Transfer   TransferInitiator
    Deliveries DeliveryNotifier // may be nil
    Log        *zap.Logger      // nil means the process logger
    QueueHint  int              // preallocation hint for the task queue
}

// Router is the per-neighbor forwarding engine: a classifier turning
// events into queued tasks, and a single worker goroutine draining them.
// The worker runs until Stop or until a task fails unexpectedly; it never
// restarts itself.
type Router struct {
    local      bundle.EID
    store      Storage
    db         *Database
    transfer   TransferInitiator
    deliveries DeliveryNotifier
    log        *zap.Logger

    queue     *TaskQueue
    done      chan struct{}
    startOnce sync.Once
    stopOnce  sync.Once
}

func New(local bundle.EID, d Deps) *Router {
    log := d.Log
    if log == nil {
        log = zap.L()
    }
    return &Router{
        local:      local.Node(),
        store:      d.Store,
        db:         d.DB,
        transfer:   d.Transfer,
        deliveries: d.Deliveries,
        log:        log.Named("routing"),
        queue:      newTaskQueue(d.QueueHint),
        done:       make(chan struct{}),
    }
}

// DB exposes the neighbor database for the connectivity tracker.
func (r *Router) DB() *Database { return r.db }

// Start spawns the worker goroutine.
func (r *Router) Start() {
    r.startOnce.Do(func() { go r.run() })
}

// Stop aborts the task queue. The worker finishes its current task and
// exits at the next pop.
func (r *Router) Stop() {
    r.stopOnce.Do(func() { r.queue.Abort() })
}

// Wait blocks until the worker goroutine has exited.
func (r *Router) Wait() { <-r.done }

func (r *Router) run() {
    defer close(r.done)
    for {
        // The popped task is owned by exactly this iteration; every return
        // path below leaves its scope and drops it.
        task, ok := r.queue.Pop()
        if !ok {
            r.log.Info("routing worker stopped")
            return
        }
        if err := r.handle(task); err != nil {
            r.log.Error("routing worker terminated on task failure",
                zap.String("task", task.String()), zap.Error(err))
            return
        }
    }
}

func (r *Router) handle(task Task) error {
    switch t := task.(type) {
    case SearchNextTask:
        return r.searchNext(t)
    case ProcessIncomingTask:
        return r.processIncoming(t)
    default:
        // A kind this worker does not handle is dropped without effect.
        return nil
    }
}

func (r *Router) searchNext(t SearchNextTask) error {
    if err := r.db.Resolve(t.Neighbor); err != nil {
        if errors.Is(err, ErrNeighborGone) {
            r.log.Debug("skip search, neighbor gone", zap.String("neighbor", string(t.Neighbor)))
            return nil
        }
        return err
    }
    filter := newForwardFilter(r.local, t.Neighbor, r.db)
    candidates := r.store.Query(filter)
    r.log.Debug("search next",
        zap.String("neighbor", string(t.Neighbor)), zap.Int("candidates", len(candidates)))
    for _, m := range candidates {
        err := r.transfer.Initiate(t.Neighbor, m)
        switch {
        case err == nil:
        case errors.Is(err, ErrInTransit):
            r.log.Debug("already in transit", zap.String("bundle", m.ID.String()))
        case errors.Is(err, ErrNoSlots):
            r.log.Debug("transfer slots exhausted", zap.String("neighbor", string(t.Neighbor)))
            return nil
        default:
            return fmt.Errorf("initiate transfer of %s to %s: %w", m.ID, t.Neighbor, err)
        }
    }
    return nil
}

func (r *Router) processIncoming(t ProcessIncomingTask) error {
    neighbors := r.db.Neighbors()
    for _, n := range neighbors {
        r.queue.Push(SearchNextTask{Neighbor: n})
    }
    r.log.Debug("process incoming bundle",
        zap.String("bundle", t.Meta.ID.String()),
        zap.String("origin", string(t.Origin)),
        zap.Int("neighbors", len(neighbors)))
    return nil
}

// Notify classifies one event. Callable from any goroutine; it only
// enqueues tasks and does brief storage or database bookkeeping, never
// network I/O.
func (r *Router) Notify(ev Event) {
    switch e := ev.(type) {
    case BundleQueuedEvent:
        r.queue.Push(ProcessIncomingTask{Meta: e.Meta, Origin: e.Origin})

    case TransferCompletedEvent:
        if e.Meta.Singleton() && e.Peer.SameNode(e.Meta.Destination) {
            if err := r.store.Remove(e.Meta.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
                r.log.Warn("remove delivered bundle", zap.String("bundle", e.Meta.ID.String()), zap.Error(err))
            }
            if r.deliveries != nil {
                r.deliveries.Delivered(e.Peer, e.Meta)
            }
            r.queue.Push(SearchNextTask{Neighbor: e.Peer})
        }

    case TransferAbortedEvent:
        if e.Reason == ReasonConnectionDown {
            return
        }
        if e.Reason == ReasonRefused {
            if m, err := r.store.GetMeta(e.ID); err == nil {
                if m.Singleton() && m.Destination.SameNode(e.Peer) {
                    if err := r.store.Remove(e.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
                        r.log.Warn("remove refused bundle", zap.String("bundle", e.ID.String()), zap.Error(err))
                    }
                }
            }
        }
        r.queue.Push(SearchNextTask{Neighbor: e.Peer})

    case NodeAvailableEvent:
        r.queue.Push(SearchNextTask{Neighbor: e.EID})

    case ConnectionUpEvent:
        r.queue.Push(SearchNextTask{Neighbor: e.Peer})

    case NodeUnavailableEvent, ConnectionDownEvent:
        // Entry lifecycle belongs to the database's owner, nothing to do.

    default:
    }
}
