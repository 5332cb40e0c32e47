package routing

import (
    "fmt"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
)

// Task is one unit of deferred routing work. The kind set is closed: the
// worker dispatches with an exhaustive switch, so a task either matches its
// one handler or (for a future kind an older worker does not know) falls
// through without effect.
type Task interface {
    isTask()
    String() string
}

// SearchNextTask asks the worker to re-evaluate forwarding opportunities
// for one neighbor.
type SearchNextTask struct {
    Neighbor bundle.EID
}

func (SearchNextTask) isTask() {}

func (t SearchNextTask) String() string { return fmt.Sprintf("search next bundle for %s", t.Neighbor) }

// ProcessIncomingTask announces a newly stored bundle that needs
// re-evaluation across all neighbors. Origin names the neighbor (or local
// application) the bundle arrived from and is carried for logging only.
type ProcessIncomingTask struct {
    Meta   bundle.Meta
    Origin bundle.EID
}

func (ProcessIncomingTask) isTask() {}

func (t ProcessIncomingTask) String() string {
    return fmt.Sprintf("process incoming bundle %s from %s", t.Meta.ID, t.Origin)
}
