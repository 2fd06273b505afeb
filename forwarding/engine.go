package forwarding

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

// Config tunes the Forwarding Engine's retry behaviour.
type Config struct {
	// FailureThreshold is the number of consecutive transmit failures on a
	// single link a reservation tolerates before the engine drops it and
	// defers to the routing oracle's next decision (§4.6: "on repeated
	// failure (configurable threshold) fall back to the routing oracle").
	FailureThreshold int

	// DrainInterval is how often the background loop retries queued and
	// deferred reservations on every known link.
	DrainInterval time.Duration
}

// DefaultConfig returns the engine's default tuning.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, DrainInterval: time.Second}
}

// Engine is the Forwarding Engine of spec.md §4.6: it consults a pluggable
// RoutingAlgorithm for each admitted bundle, reserves the bundle onto the
// chosen links' priority queues, and drives transmission, retrying a failed
// send at the head of its link's queue before eventually giving up and
// letting the routing oracle pick again on the next forward attempt.
type Engine struct {
	cfg     Config
	routing core.RoutingAlgorithm
	log     logrus.FieldLogger

	mu       sync.Mutex
	links    map[string]*Link
	senders  map[string]core.Sender
	failures map[string]int // "<link>/<gbof>" -> consecutive failure count

	seq uint64 // monotonic reservation sequence, stands in for a bundle-id tiebreak

	// lookup recovers the BundlePack behind a queued reservation's GBoF-id,
	// for the background drain loop. Wired to Core.LookupPending once the
	// Core exists; nil until then (during which the drain loop is a no-op).
	lookup func(bundle.GBoFId) (*core.BundlePack, bool)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates a Forwarding Engine around the given routing oracle.
func NewEngine(routing core.RoutingAlgorithm, cfg Config, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		cfg:      cfg,
		routing:  routing,
		log:      log,
		links:    make(map[string]*Link),
		senders:  make(map[string]core.Sender),
		failures: make(map[string]int),
		done:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// SetBundleLookup wires the Pending Index lookup the background drain loop
// needs to recover a queued reservation's bundle. Call this once, right
// after constructing both the Engine and the Core (cmd/bpagentd's wiring
// order necessarily has the Engine built first since Core's constructor
// takes the Forwarder).
func (e *Engine) SetBundleLookup(fn func(bundle.GBoFId) (*core.BundlePack, bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lookup = fn
}

// Close stops the background drain loop.
func (e *Engine) Close() {
	close(e.done)
	e.wg.Wait()
}

var _ core.Forwarder = (*Engine)(nil)

// linkFor returns the Link tracking sender's address, creating one on first
// use. A freshly-created link starts Available: the routing oracle already
// considered this sender reachable when it returned it, so there is no
// separate "opening" signal to wait for at this layer. Convergence-layer or
// external-router wiring that does track real contact state should call
// SetLinkState to move a link to Unavailable/Busy/Idle as contacts open
// and close (§3).
func (e *Engine) linkFor(s core.Sender) *Link {
	e.mu.Lock()
	defer e.mu.Unlock()

	addr := s.Address()
	l, ok := e.links[addr]
	if !ok {
		l = NewLink(addr, bundle.DtnNone(), addr)
		l.SetState(LinkAvailable)
		e.links[addr] = l
	}
	e.senders[addr] = s
	return l
}

// RegisterLink seeds a statically-configured link (e.g. from the daemon's
// bootstrap config) before any sender has reached it through Forward. A
// link with the same id that already exists is left untouched.
func (e *Engine) RegisterLink(l *Link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.links[l.ID]; !ok {
		e.links[l.ID] = l
	}
}

// SetLinkState exposes the link state machine to convergence-layer or
// external-router wiring, so a contact opening or closing outside the
// Forward call path still drives retry/deferred-drain behaviour.
func (e *Engine) SetLinkState(linkID string, s LinkState) {
	e.mu.Lock()
	l, ok := e.links[linkID]
	e.mu.Unlock()
	if ok {
		l.SetState(s)
	}
}

// Link returns the tracked Link for linkID, if any, for stats reporting.
func (e *Engine) Link(linkID string) (*Link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.links[linkID]
	return l, ok
}

// Links returns every link the engine currently tracks, for the external
// router's state-snapshot reporting (§4.7).
func (e *Engine) Links() []*Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Link, 0, len(e.links))
	for _, l := range e.links {
		out = append(out, l)
	}
	return out
}

// Retry re-forwards the bundle behind id, if it is still pending, through
// the normal routing-and-reserve path. It implements custody.RetryRequester,
// letting the Custody Manager nudge a bundle still awaiting acknowledgment
// back onto the wire on its own backoff schedule (§4.5) instead of waiting
// for the background drain loop's next tick.
func (e *Engine) Retry(id bundle.GBoFId) {
	e.mu.Lock()
	lookup := e.lookup
	e.mu.Unlock()
	if lookup == nil {
		return
	}
	if bp, ok := lookup(id); ok {
		e.Forward(bp)
	}
}

// Forward implements core.Forwarder. It consults the routing oracle, then
// reserves and attempts immediate transmission on every sender the oracle
// returned. sent is true as soon as at least one sender accepted the
// bundle; a sender whose link is unavailable or whose send fails is left
// queued for the background drain loop to retry.
func (e *Engine) Forward(bp *core.BundlePack) (sent bool, deleteAfterwards bool) {
	senders, del := e.routing.SenderForBundle(bp)
	if len(senders) == 0 {
		return false, false
	}

	class, ordinal := bundle.EffectivePriority(bp.Bundle.PrimaryBlock.Priority, bp.Bundle.PrimaryBlock.ECOS)

	anySent := false
	for _, s := range senders {
		link := e.linkFor(s)
		bp.AddConstraint(core.LinkReserved)

		r := &Reservation{
			GBoF:     bp.ID(),
			BundleID: atomic.AddUint64(&e.seq, 1),
			Class:    class,
			Ordinal:  ordinal,
			Action:   bundle.ForwardUnicast,
		}
		link.Enqueue(r)

		if e.tryTransmit(link, s, bp, r) {
			anySent = true
		}
	}

	return anySent, del
}

// tryTransmit attempts to send bp over sender if r is (still) at the head
// of link's active queue. It reports whether the send succeeded.
func (e *Engine) tryTransmit(link *Link, sender core.Sender, bp *core.BundlePack, r *Reservation) bool {
	if link.State() == LinkUnavailable {
		return false
	}

	head, ok := link.Peek()
	if !ok || head != r {
		// Something else is ahead of us (another bundle queued earlier at
		// equal or higher priority); leave r queued for the drain loop.
		return false
	}
	link.Pop()

	if err := sender.Send(bp.Bundle); err != nil {
		e.recordFailure(link, sender, bp, r, err)
		return false
	}

	e.recordSuccess(link, bp, r)
	return true
}

func (e *Engine) recordSuccess(link *Link, bp *core.BundlePack, r *Reservation) {
	n, _ := approxSize(bp.Bundle)
	link.recordTransmit(n)

	// A reservation fulfilled on any one link is enough to clear
	// LinkReserved: this engine does not track a per-bundle reservation
	// refcount across multiple simultaneously-reserved links, matching the
	// routing oracle's own all-or-nothing deleteAfterwards contract.
	bp.RemoveConstraint(core.LinkReserved)

	key := link.ID + "/" + bp.ID().String()
	e.mu.Lock()
	delete(e.failures, key)
	e.mu.Unlock()

	bp.Bundle.ForwardingLog = append(bp.Bundle.ForwardingLog, bundle.ForwardingLogEntry{
		Link:   link.ID,
		Action: r.Action,
		At:     time.Now(),
	})

	e.log.WithFields(logrus.Fields{"bundle": bp.Bundle, "link": link.ID}).Debug("bundle transmitted")
}

func (e *Engine) recordFailure(link *Link, sender core.Sender, bp *core.BundlePack, r *Reservation, sendErr error) {
	key := link.ID + "/" + bp.ID().String()

	e.mu.Lock()
	e.failures[key]++
	n := e.failures[key]
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"bundle": bp.Bundle, "link": link.ID, "attempt": n, "error": sendErr}).
		Debug("transmit failed")

	if n >= e.cfg.FailureThreshold {
		e.mu.Lock()
		delete(e.failures, key)
		e.mu.Unlock()
		e.log.WithFields(logrus.Fields{"bundle": bp.Bundle, "link": link.ID}).
			Warn("giving up on link after repeated failures, falling back to routing oracle")
		return
	}

	link.RequeueHead(r)
}

// approxSize estimates a bundle's on-wire byte size from its payload, for
// Contact statistics. It deliberately does not invoke the bundle codec,
// which is out of this core's scope (SPEC_FULL §1).
func approxSize(b bundle.Bundle) (int, error) {
	payload, err := b.PayloadBlock()
	if err != nil {
		return 0, err
	}
	data, _ := payload.Data.([]byte)
	return len(data), nil
}

// run drives the background drain loop: links whose queue has work and
// whose state permits transmission get their head reservation retried.
func (e *Engine) run() {
	defer e.wg.Done()

	interval := e.cfg.DrainInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.drainAll()
		}
	}
}

func (e *Engine) drainAll() {
	e.mu.Lock()
	links := make([]*Link, 0, len(e.links))
	senders := make(map[string]core.Sender, len(e.senders))
	lookup := e.lookup
	for id, l := range e.links {
		links = append(links, l)
		senders[id] = e.senders[id]
	}
	e.mu.Unlock()

	if lookup == nil {
		return
	}

	for _, l := range links {
		if l.State() == LinkUnavailable || !l.ReadyForRetry() {
			continue
		}
		sender := senders[l.ID]
		if sender == nil {
			continue
		}

		// Drain at most one reservation per tick per link, so a jammed link
		// does not starve the others sharing this goroutine.
		r, ok := l.Peek()
		if !ok {
			continue
		}
		bp, ok := lookup(r.GBoF)
		if !ok {
			// The bundle left the Pending Index (delivered, expired,
			// deleted) while its reservation was still queued; drop it.
			l.Pop()
			continue
		}

		// tryTransmit re-checks that r is still at the head (it always is
		// here, nothing else pops concurrently) and pops it itself before
		// sending.
		e.tryTransmit(l, sender, bp, r)
	}
}
