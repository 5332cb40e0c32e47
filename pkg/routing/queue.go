package routing

import (
    "sync"
)

// TaskQueue is the FIFO hand-off between event producers and the routing
// worker. Push never blocks; Pop blocks on an empty queue until a push or
// an abort. After Abort every pending and future Pop reports cancellation,
// even while items remain queued: shutdown outranks leftover work.
type TaskQueue struct {
    mu      sync.Mutex
    cond    *sync.Cond
    items   []Task
    aborted bool
}

func NewTaskQueue() *TaskQueue { return newTaskQueue(0) }

func newTaskQueue(hint int) *TaskQueue {
    q := &TaskQueue{}
    if hint > 0 { q.items = make([]Task, 0, hint) }
    q.cond = sync.NewCond(&q.mu)
    return q
}

// Push appends a task. Pushes after Abort are dropped.
func (q *TaskQueue) Push(t Task) {
    q.mu.Lock()
    if q.aborted {
        q.mu.Unlock()
        return
    }
    q.items = append(q.items, t)
    q.cond.Signal()
    q.mu.Unlock()
}

// Pop removes the oldest task, blocking while the queue is empty.
// The second return is false once the queue has been aborted.
func (q *TaskQueue) Pop() (Task, bool) {
    q.mu.Lock()
    for len(q.items) == 0 && !q.aborted {
        q.cond.Wait()
    }
    if q.aborted {
        q.mu.Unlock()
        return nil, false
    }
    t := q.items[0]
    copy(q.items, q.items[1:])
    q.items[len(q.items)-1] = nil
    q.items = q.items[:len(q.items)-1]
    q.mu.Unlock()
    return t, true
}

// Abort cancels the queue. Idempotent; safe from any goroutine.
func (q *TaskQueue) Abort() {
    q.mu.Lock()
    if !q.aborted {
        q.aborted = true
        q.cond.Broadcast()
    }
    q.mu.Unlock()
}

// Len reports the number of queued tasks.
func (q *TaskQueue) Len() int {
    q.mu.Lock()
    defer q.mu.Unlock()
    return len(q.items)
}
