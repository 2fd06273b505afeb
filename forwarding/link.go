// Package forwarding implements the Forwarding Engine of spec.md §4.6: a
// per-link priority queue fed by a pluggable routing decision, transmit
// success/failure handling, and the link/contact state machine of §3.
package forwarding

import (
	"fmt"
	"sync"
	"time"

	"github.com/dtn7/bpcore/bundle"
)

// LinkState is one state of the Link lifecycle in spec.md §3:
// "unavailable -> available -> opening -> open -> busy/idle -> closing ->
// unavailable; with retry back-off on unclean closures."
type LinkState uint

const (
	LinkUnavailable LinkState = iota
	LinkAvailable
	LinkOpening
	LinkOpen
	LinkBusy
	LinkIdle
	LinkClosing
)

func (s LinkState) String() string {
	switch s {
	case LinkUnavailable:
		return "unavailable"
	case LinkAvailable:
		return "available"
	case LinkOpening:
		return "opening"
	case LinkOpen:
		return "open"
	case LinkBusy:
		return "busy"
	case LinkIdle:
		return "idle"
	case LinkClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Contact is a currently-open instance of a Link (§3): its start time,
// expected duration, bit rate and live statistics.
type Contact struct {
	StartedAt time.Time
	Expected  time.Duration
	BitsPerSecond uint64

	BundlesSent uint64
	BytesSent   uint64
}

// Link is a named unicast or multicast egress channel (§3): stable id,
// remote endpoint, mutable availability/reliability estimates, retry
// bounds, and a priority-ordered bundle queue.
type Link struct {
	ID       string
	Remote   bundle.EndpointID
	CLATag   string

	mu           sync.Mutex
	state        LinkState
	reliability  float64 // [0,1]
	availability float64 // [0,1]

	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
	IdleCloseAfter   time.Duration

	retryInterval time.Duration
	lastClosedAt  time.Time

	bitRateCap uint64

	contact *Contact
	queue   *reservationQueue

	// deferred holds reservations added while the link was unavailable;
	// they are drained into queue only on LinkAvailable (§4.6: "Unavailable
	// does not drain; it leaves reservations intact so that retry on
	// re-availability resumes" — so this slice, not the priority queue,
	// is where an unavailable link's work waits).
	deferred []*Reservation
}

// NewLink creates an unavailable Link with the given stable id.
func NewLink(id string, remote bundle.EndpointID, claTag string) *Link {
	return &Link{
		ID:               id,
		Remote:           remote,
		CLATag:           claTag,
		state:            LinkUnavailable,
		reliability:      1,
		availability:     1,
		MinRetryInterval: time.Second,
		MaxRetryInterval: 5 * time.Minute,
		IdleCloseAfter:   30 * time.Second,
		queue:            newReservationQueue(),
	}
}

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SetState transitions the link's state. Transitioning to LinkAvailable
// drains any deferred reservations into the priority queue (§4.6);
// transitioning to LinkUnavailable leaves the priority queue's contents
// untouched so a later re-availability resumes them in place.
func (l *Link) SetState(s LinkState) {
	l.mu.Lock()
	prev := l.state
	l.state = s

	var toDrain []*Reservation
	if s == LinkAvailable && prev != LinkAvailable {
		toDrain = l.deferred
		l.deferred = nil
	}
	if s == LinkUnavailable {
		if prev == LinkOpen || prev == LinkBusy || prev == LinkIdle {
			l.bumpRetryLocked()
		}
	}
	l.mu.Unlock()

	for _, r := range toDrain {
		l.queue.Push(r)
	}
}

func (l *Link) bumpRetryLocked() {
	if l.retryInterval == 0 {
		l.retryInterval = l.MinRetryInterval
	} else {
		l.retryInterval *= 2
		if l.retryInterval > l.MaxRetryInterval {
			l.retryInterval = l.MaxRetryInterval
		}
	}
	l.lastClosedAt = time.Now()
}

// ReadyForRetry reports whether enough back-off time has passed since the
// link's last unclean closure to attempt reopening.
func (l *Link) ReadyForRetry() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retryInterval == 0 {
		return true
	}
	return time.Since(l.lastClosedAt) >= l.retryInterval
}

// Reliability and Availability return the link's current estimates.
func (l *Link) Reliability() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reliability
}

func (l *Link) Availability() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availability
}

// SetEstimates updates the link's reliability/availability estimates,
// clamped to [0,1].
func (l *Link) SetEstimates(reliability, availability float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reliability = clamp01(reliability)
	l.availability = clamp01(availability)
}

// BitRateCap returns the configured outbound throttle, 0 meaning
// unthrottled. Set by the external router's set-throttle command (§4.7);
// a convergence-layer sender is expected to honor it when pacing writes.
func (l *Link) BitRateCap() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bitRateCap
}

// SetBitRateCap updates the link's outbound throttle.
func (l *Link) SetBitRateCap(bps uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bitRateCap = bps
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// OpenContact records a new Contact for this link, per §3.
func (l *Link) OpenContact(expected time.Duration, bps uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contact = &Contact{StartedAt: time.Now(), Expected: expected, BitsPerSecond: bps}
}

// CloseContact clears the link's current Contact, if any.
func (l *Link) CloseContact() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contact = nil
}

// CurrentContact returns the link's live Contact, if open.
func (l *Link) CurrentContact() (Contact, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.contact == nil {
		return Contact{}, false
	}
	return *l.contact, true
}

// recordTransmit updates the current contact's statistics after a
// successful send.
func (l *Link) recordTransmit(bytes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.contact != nil {
		l.contact.BundlesSent++
		l.contact.BytesSent += uint64(bytes)
	}
}

// Enqueue adds a reservation to this link: directly to the priority queue
// if the link is available, otherwise to the deferred set for later
// draining (§4.6's LinkAvailable/LinkUnavailable semantics).
func (l *Link) Enqueue(r *Reservation) {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()

	if state == LinkUnavailable {
		l.mu.Lock()
		l.deferred = append(l.deferred, r)
		l.mu.Unlock()
		return
	}
	l.queue.Push(r)
}

// Peek returns the highest-priority reservation without removing it.
func (l *Link) Peek() (*Reservation, bool) {
	return l.queue.Peek()
}

// Pop removes and returns the highest-priority reservation.
func (l *Link) Pop() (*Reservation, bool) {
	return l.queue.Pop()
}

// RequeueHead reinserts r as if it were the new highest priority entry for
// its (priority class, ordinal) tier, used on transmit failure's
// "requeue at the head of the same link's queue" rule (§4.6). Reservation
// ordering is (priority, ordinal, seq, bundle-id); requeuing at the head is
// implemented by assigning it a sequence number lower than anything
// already queued at the same tier.
func (l *Link) RequeueHead(r *Reservation) {
	l.queue.PushHead(r)
}

// QueueLen reports the number of reservations currently queued for
// transmission (deferred reservations are not counted; they are not yet
// eligible for transmission).
func (l *Link) QueueLen() int {
	return l.queue.Len()
}

func (l *Link) String() string {
	return fmt.Sprintf("Link(%s, state=%v, queue=%d)", l.ID, l.State(), l.QueueLen())
}
