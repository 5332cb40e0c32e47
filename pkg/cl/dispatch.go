package cl

import (
    "errors"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/routing"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
)

// workerIdle is how long a neighbor's send worker lingers without jobs
// before retiring.
const workerIdle = time.Minute

// BundleSource loads full bundles for transmission.
type BundleSource interface {
    Get(id bundle.ID) (bundle.Bundle, error)
}

// Dispatcher turns transfer initiations from the routing worker into wire
// transfers. Each neighbor gets its own send worker so transfers leave in
// initiation order; outcomes come back to routing as events.
type Dispatcher struct {
    mgr   *Manager
    store BundleSource
    db    *routing.Database
    log   *zap.Logger

    sink routing.EventSink

    mu      sync.Mutex
    workers map[bundle.EID]*sendWorker

    stopOnce sync.Once
    stop     chan struct{}
    wg       sync.WaitGroup
}

type sendWorker struct {
    neighbor bundle.EID
    jobs     chan transferJob
}

type transferJob struct {
    neighbor bundle.EID
    meta     bundle.Meta
}

func NewDispatcher(mgr *Manager, store BundleSource, db *routing.Database, log *zap.Logger) *Dispatcher {
    if log == nil {
        log = zap.L()
    }
    return &Dispatcher{
        mgr:     mgr,
        store:   store,
        db:      db,
        log:     log.Named("dispatch"),
        workers: make(map[bundle.EID]*sendWorker),
        stop:    make(chan struct{}),
    }
}

// Bind wires the routing event sink. Must be called before the first
// transfer is initiated.
func (d *Dispatcher) Bind(sink routing.EventSink) { d.sink = sink }

func (d *Dispatcher) notify(ev routing.Event) {
    if d.sink != nil {
        d.sink.Notify(ev)
    }
}

// Initiate claims a transfer slot and queues the bundle for transmission.
// ErrInTransit and ErrNoSlots surface to the caller; a neighbor that
// vanished between selection and initiation is reported asynchronously as
// a connection-down abort instead.
func (d *Dispatcher) Initiate(neighbor bundle.EID, m bundle.Meta) error {
    neighbor = neighbor.Node()
    if err := d.db.AcquireTransfer(neighbor, m.ID); err != nil {
        if errors.Is(err, routing.ErrNeighborGone) {
            d.notify(routing.TransferAbortedEvent{Peer: neighbor, ID: m.ID, Reason: routing.ReasonConnectionDown})
            return nil
        }
        return err
    }

    d.mu.Lock()
    select {
    case <-d.stop:
        d.mu.Unlock()
        d.db.ReleaseTransfer(neighbor, m.ID)
        return nil
    default:
    }
    w := d.workers[neighbor]
    if w == nil {
        w = &sendWorker{neighbor: neighbor, jobs: make(chan transferJob, 4*d.db.MaxTransfers())}
        d.workers[neighbor] = w
        d.wg.Add(1)
        go d.run(w)
    }
    w.jobs <- transferJob{neighbor: neighbor, meta: m}
    d.mu.Unlock()
    return nil
}

func (d *Dispatcher) run(w *sendWorker) {
    defer d.wg.Done()
    idle := time.NewTimer(workerIdle)
    defer idle.Stop()
    for {
        select {
        case <-d.stop:
            d.drain(w)
            return
        case j := <-w.jobs:
            d.send(j)
            if !idle.Stop() {
                select {
                case <-idle.C:
                default:
                }
            }
            idle.Reset(workerIdle)
        case <-idle.C:
            if d.retire(w) {
                return
            }
            idle.Reset(workerIdle)
        }
    }
}

// retire removes an idle worker from the table. Declines when a job raced
// in; Initiate enqueues under the same lock.
func (d *Dispatcher) retire(w *sendWorker) bool {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(w.jobs) > 0 {
        return false
    }
    if d.workers[w.neighbor] == w {
        delete(d.workers, w.neighbor)
    }
    return true
}

// drain releases slots for jobs that never made it to the wire.
func (d *Dispatcher) drain(w *sendWorker) {
    for {
        select {
        case j := <-w.jobs:
            d.db.ReleaseTransfer(j.neighbor, j.meta.ID)
        default:
            return
        }
    }
}

// send performs one wire transfer and reports the outcome.
func (d *Dispatcher) send(j transferJob) {
    l := d.mgr.link(j.neighbor)
    if l == nil {
        d.abort(j, routing.ReasonConnectionDown, nil)
        return
    }
    b, err := d.store.Get(j.meta.ID)
    if err != nil {
        if errors.Is(err, storage.ErrNotFound) {
            d.abort(j, routing.ReasonDeleted, nil)
        } else {
            d.abort(j, routing.ReasonUndefined, err)
        }
        return
    }
    // The transmitted copy spends one hop.
    if b.Meta.HopsLeft > 0 {
        b.Meta.HopsLeft--
    }
    data, err := bundle.Encode(b)
    if err != nil {
        d.abort(j, routing.ReasonUndefined, err)
        return
    }

    status, err := l.transfer(data)
    if err != nil {
        d.abort(j, routing.ReasonConnectionDown, err)
        return
    }
    switch status {
    case StatusAck:
        d.db.RecordKnown(j.neighbor, j.meta.ID)
        d.db.ReleaseTransfer(j.neighbor, j.meta.ID)
        d.notify(routing.TransferCompletedEvent{Peer: j.neighbor, Meta: j.meta})
        d.log.Debug("transfer completed",
            zap.String("bundle", j.meta.ID.String()), zap.String("peer", string(j.neighbor)))
    default:
        d.abort(j, routing.ReasonRefused, nil)
    }
}

func (d *Dispatcher) abort(j transferJob, reason routing.AbortReason, err error) {
    d.db.ReleaseTransfer(j.neighbor, j.meta.ID)
    d.notify(routing.TransferAbortedEvent{Peer: j.neighbor, ID: j.meta.ID, Reason: reason})
    d.log.Debug("transfer aborted",
        zap.String("bundle", j.meta.ID.String()),
        zap.String("peer", string(j.neighbor)),
        zap.String("reason", reason.String()),
        zap.Error(err))
}

// Close stops all send workers and releases their queued slots.
func (d *Dispatcher) Close() {
    d.stopOnce.Do(func() { close(d.stop) })
    d.wg.Wait()
}
