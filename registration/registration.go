// Package registration implements the Registration Table (spec §4.4): the
// in-memory record of local application bindings (registrations are not
// persisted), their delivery and replay
// policies, and the per-registration delivery queue and dedupe cache.
package registration

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bundle"
)

// FailureAction is a registration's delivery policy when its bound consumer
// is unavailable.
type FailureAction uint

const (
	FailureDrop FailureAction = iota
	FailureDefer
	FailureExecScript
)

// ReplayAction is a registration's policy for already-pending bundles when
// it (re)attaches.
type ReplayAction uint

const (
	ReplayNewOnly ReplayAction = iota
	ReplayNone
	ReplayAllQueued
)

// Kind is the registration sum type described in SPEC_FULL §4.4a,
// replacing the reference implementation's Registration/LoggingRegistration/
// PingRegistration/IpnEchoRegistration class hierarchy with a plain enum
// dispatched on on delivery.
type Kind uint

const (
	// KindApplication delivers to the registration's IPC-bound queue; the
	// default kind, matching DTN_REGISTER.
	KindApplication Kind = iota
	// KindLogging logs each delivered bundle's registration id and GBoF-id
	// instead of queuing it; the payload is not logged.
	KindLogging
	// KindPing is queued like KindApplication; Deliver sends no echo back
	// to the bundle's source.
	KindPing
	// KindIpnEcho is likewise queued like KindApplication; no echo is sent.
	KindIpnEcho
)

func (k Kind) String() string {
	switch k {
	case KindApplication:
		return "application"
	case KindLogging:
		return "logging"
	case KindPing:
		return "ping"
	case KindIpnEcho:
		return "ipn_echo"
	default:
		return "unknown"
	}
}

// Registration is the metadata record of spec.md §3 (held in memory only,
// not persisted), plus the
// in-memory delivery queue and GBoF dedupe cache §4.4 requires.
type Registration struct {
	ID       uint64
	Pattern  bundle.EndpointIDPattern
	Kind     Kind
	Failure  FailureAction
	Replay   ReplayAction
	AckRequired bool
	Token    uint64
	Expiration time.Time
	Active   bool

	mu          sync.Mutex
	queue       []PendingDelivery
	dedupeCache map[bundle.GBoFId]time.Time
}

// PendingDelivery is one bundle queued for an application to recv/ack.
type PendingDelivery struct {
	Bundle    bundle.Bundle
	Delivered bool
	QueuedAt  time.Time
}

// New creates a Registration bound to the given pattern.
func New(id uint64, pattern bundle.EndpointIDPattern, kind Kind) *Registration {
	return &Registration{
		ID:          id,
		Pattern:     pattern,
		Kind:        kind,
		Active:      true,
		dedupeCache: make(map[bundle.GBoFId]time.Time),
	}
}

// Matches reports whether eid satisfies this registration's bound pattern.
func (r *Registration) Matches(eid bundle.EndpointID) bool {
	return r.Pattern.Match(eid)
}

// seenRecently reports whether a GBoF-id is already in the dedupe cache,
// recording it if not.
func (r *Registration) seenRecently(id bundle.GBoFId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.dedupeCache[id]; ok {
		return true
	}
	r.dedupeCache[id] = time.Now()
	return false
}

// enqueue appends a bundle to the delivery queue, marking it delivered
// immediately when no ack is required (§4.4 step (d)).
func (r *Registration) enqueue(b bundle.Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = append(r.queue, PendingDelivery{
		Bundle:    b,
		Delivered: !r.AckRequired,
		QueuedAt:  time.Now(),
	})
}

// Peek returns the oldest queued entry for an IPC peek without removing
// it, so a repeated peek (or a peek followed by a recv) observes the same
// bundle.
func (r *Registration) Peek() (PendingDelivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return PendingDelivery{}, false
	}
	return r.queue[0], true
}

// Dequeue pops the oldest queued entry for an IPC recv, whether or not it
// has been acked.
func (r *Registration) Dequeue() (PendingDelivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return PendingDelivery{}, false
	}
	pd := r.queue[0]
	r.queue = r.queue[1:]
	return pd, true
}

// Ack marks the registration's oldest ack-pending delivery as acknowledged.
// A real implementation would key this by bundle-id; this core keeps the
// queue FIFO and only needs the count, per spec.md §4.8's `ack(spec)`.
func (r *Registration) Ack() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.queue {
		if !r.queue[i].Delivered {
			r.queue[i].Delivered = true
			return true
		}
	}
	return false
}

// QueueLen reports the number of entries currently queued.
func (r *Registration) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Registration) String() string {
	return fmt.Sprintf("Registration(id=%d, pattern=%v, kind=%v)", r.ID, r.Pattern, r.Kind)
}

var log = logrus.StandardLogger()
