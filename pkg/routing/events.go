package routing

import (
    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
)

// Event is an asynchronous input to the classifier. The kind set is closed;
// producers construct exactly these shapes and the classifier switches
// exhaustively. Events are read-only and never retained past the
// Notify call.
type Event interface{ isEvent() }

// BundleQueuedEvent fires after a bundle has been accepted into storage.
type BundleQueuedEvent struct {
    Meta   bundle.Meta
    Origin bundle.EID
}

// TransferCompletedEvent fires when a bundle has been fully sent to a peer
// and acknowledged.
type TransferCompletedEvent struct {
    Peer bundle.EID
    Meta bundle.Meta
}

// TransferAbortedEvent fires when a transfer attempt ended without
// delivery.
type TransferAbortedEvent struct {
    Peer   bundle.EID
    ID     bundle.ID
    Reason AbortReason
}

// NodeAvailableEvent fires when a node becomes reachable.
type NodeAvailableEvent struct {
    EID bundle.EID
}

// NodeUnavailableEvent fires when the last link to a node went away.
type NodeUnavailableEvent struct {
    EID bundle.EID
}

// ConnectionUpEvent fires per established convergence-layer session.
type ConnectionUpEvent struct {
    Peer bundle.EID
}

// ConnectionDownEvent fires per closed convergence-layer session.
type ConnectionDownEvent struct {
    Peer bundle.EID
}

func (BundleQueuedEvent) isEvent()      {}
func (TransferCompletedEvent) isEvent() {}
func (TransferAbortedEvent) isEvent()   {}
func (NodeAvailableEvent) isEvent()     {}
func (NodeUnavailableEvent) isEvent()   {}
func (ConnectionUpEvent) isEvent()      {}
func (ConnectionDownEvent) isEvent()    {}

// AbortReason explains a failed transfer.
type AbortReason uint8

const (
    ReasonUndefined AbortReason = iota
    ReasonRetryLimit
    ReasonDeleted
    ReasonConnectionDown
    ReasonRefused
)

func (r AbortReason) String() string {
    switch r {
    case ReasonUndefined:
        return "undefined"
    case ReasonRetryLimit:
        return "retry limit reached"
    case ReasonDeleted:
        return "bundle deleted"
    case ReasonConnectionDown:
        return "connection down"
    case ReasonRefused:
        return "refused by peer"
    default:
        return "unknown"
    }
}

// EventSink receives events from any goroutine. The Router implements it;
// producers (convergence layer, discovery, storage wiring) hold it as their
// only handle on the engine.
type EventSink interface {
    Notify(Event)
}
