package core

import (
	"fmt"

	"github.com/dtn7/bpcore/bundle"
)

// EventType discriminates the members of the typed event bus described in
// §4.1: the single dispatcher goroutine is the only consumer of these, and
// every mutation of the Pending Index, Registration Table or Custody
// Manager happens from inside its handler, never from a caller goroutine
// directly.
type EventType uint

const (
	EventBundleReceived EventType = iota
	EventBundleDispatched
	EventBundleForwarded
	EventBundleDelivered
	EventBundleDeleted
	EventCustodySignalReceived
	EventACSFlushRequested
	EventLinkStateChanged
	EventBundleCancelRequested
)

func (t EventType) String() string {
	switch t {
	case EventBundleReceived:
		return "bundle_received"
	case EventBundleDispatched:
		return "bundle_dispatched"
	case EventBundleForwarded:
		return "bundle_forwarded"
	case EventBundleDelivered:
		return "bundle_delivered"
	case EventBundleDeleted:
		return "bundle_deleted"
	case EventCustodySignalReceived:
		return "custody_signal_received"
	case EventACSFlushRequested:
		return "acs_flush_requested"
	case EventLinkStateChanged:
		return "link_state_changed"
	case EventBundleCancelRequested:
		return "bundle_cancel_requested"
	default:
		return "unknown_event"
	}
}

// Event is a single item placed on the dispatcher's channel. Fields beyond
// Type/Bundle are event-specific and left nil when unused, mirroring the
// teacher's loosely-typed event struct rather than one interface type per
// event (the dispatcher's switch on Type is the discriminator).
type Event struct {
	Type    EventType
	Bundle  *bundle.Bundle
	Link    string
	Reason  bundle.StatusReportReason
	Signal  interface{}
}

func (e Event) String() string {
	if e.Bundle != nil {
		return fmt.Sprintf("%v(%v)", e.Type, e.Bundle.ID())
	}
	return fmt.Sprintf("%v", e.Type)
}

// EventDispatcher is a single-writer, many-producer event queue. Producers
// call Dispatch from any goroutine; only the goroutine running Run ever
// touches the Core's internal state, which is what makes the Pending
// Index/Registration Table/Custody Manager mutation-safe without locks
// (§4.1 and §5).
type EventDispatcher struct {
	queue   chan Event
	handler func(Event)
	done    chan struct{}
}

// NewEventDispatcher creates a dispatcher with the given backlog capacity
// and handler. The handler runs exclusively on the goroutine started by Run.
func NewEventDispatcher(capacity int, handler func(Event)) *EventDispatcher {
	return &EventDispatcher{
		queue:   make(chan Event, capacity),
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Dispatch enqueues an event for processing. It may be called concurrently
// from any number of goroutines.
func (d *EventDispatcher) Dispatch(e Event) {
	d.queue <- e
}

// Run drains the queue on the calling goroutine until Close is called and
// the queue is empty. Callers typically `go dispatcher.Run()` once at
// startup.
func (d *EventDispatcher) Run() {
	for {
		select {
		case e := <-d.queue:
			d.handler(e)
		case <-d.done:
			for {
				select {
				case e := <-d.queue:
					d.handler(e)
				default:
					return
				}
			}
		}
	}
}

// Close stops Run once the queue has drained.
func (d *EventDispatcher) Close() {
	close(d.done)
}
