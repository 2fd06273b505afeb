package registration

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

// Table is the Registration Table of spec.md §4.4: keyed by registration-id,
// with a secondary pattern-matching lookup by destination endpoint.
// It satisfies core.RegistrationDeliverer.
type Table struct {
	mu    sync.RWMutex
	byID  map[uint64]*Registration
	order []uint64 // insertion order, for matching-order guarantees

	nextID uint64

	log *logrus.Logger
}

// NewTable creates an empty Registration Table.
func NewTable(log *logrus.Logger) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Table{byID: make(map[uint64]*Registration), log: log}
}

// Add creates and inserts a new registration, returning its assigned id.
func (t *Table) Add(pattern bundle.EndpointIDPattern, kind Kind, failure FailureAction, replay ReplayAction, ackRequired bool) uint64 {
	id := atomic.AddUint64(&t.nextID, 1)

	reg := New(id, pattern, kind)
	reg.Failure = failure
	reg.Replay = replay
	reg.AckRequired = ackRequired

	t.mu.Lock()
	t.byID[id] = reg
	t.order = append(t.order, id)
	t.mu.Unlock()

	return id
}

// Remove deletes a registration by id.
func (t *Table) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.byID, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Get returns a registration by id.
func (t *Table) Get(id uint64) (*Registration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reg, ok := t.byID[id]
	return reg, ok
}

// FindMatching returns the id of the first registration whose pattern
// matches eid, in insertion order, per spec.md §4.8's find-registration.
func (t *Table) FindMatching(eid bundle.EndpointID) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range t.order {
		if reg := t.byID[id]; reg.Active && reg.Matches(eid) {
			return id, true
		}
	}
	return 0, false
}

// allMatching returns every active registration matching eid, in
// insertion order.
func (t *Table) allMatching(eid bundle.EndpointID) []*Registration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Registration
	for _, id := range t.order {
		if reg := t.byID[id]; reg.Active && reg.Matches(eid) {
			out = append(out, reg)
		}
	}
	return out
}

// HasEndpoint reports whether any registration (active or not) binds eid,
// satisfying core.RegistrationDeliverer.
func (t *Table) HasEndpoint(eid bundle.EndpointID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range t.order {
		if t.byID[id].Matches(eid) {
			return true
		}
	}
	return false
}

// Deliver implements §4.4's deliver(bundle) contract: for each matching
// active registration, skip a GBoF already seen by its dedupe cache,
// otherwise dispatch on Kind: KindLogging only logs the bundle, every other
// kind enqueues it.
func (t *Table) Deliver(eid bundle.EndpointID, b bundle.Bundle) error {
	matches := t.allMatching(eid)
	if len(matches) == 0 {
		return fmt.Errorf("no registration bound to %v", eid)
	}

	gbof := b.ID()

	for _, reg := range matches {
		if reg.seenRecently(gbof) {
			t.log.WithFields(logrus.Fields{"registration": reg.ID, "bundle": gbof}).
				Debug("suppressed duplicate delivery")
			continue
		}

		switch reg.Kind {
		case KindLogging:
			t.log.WithFields(logrus.Fields{"registration": reg.ID, "bundle": gbof}).
				Info("logging registration received bundle")
		case KindPing, KindIpnEcho:
			reg.enqueue(b)
		default:
			reg.enqueue(b)
		}
	}

	return nil
}

// ReplayPending walks the supplied pending-bundle source (typically the
// Pending Index, via a small closure the caller supplies) and enqueues
// every non-fragmentary match for a newly (re)activated registration whose
// replay policy is all-queued, per §4.4's registration-initial-load task.
// iter must call fn for every currently pending bundle and stop iterating
// once fn returns false; ReplayPending itself never blocks indefinitely, so
// it is safe to run synchronously from the dispatcher goroutine for modest
// pending-set sizes, or offloaded to a cancellable background task for
// larger ones (the caller decides, per the cancellable/idempotent
// requirement in §4.4).
func (t *Table) ReplayPending(regID uint64, iter func(fn func(b bundle.Bundle) bool)) {
	reg, ok := t.Get(regID)
	if !ok || reg.Replay != ReplayAllQueued {
		return
	}

	iter(func(b bundle.Bundle) bool {
		if b.PrimaryBlock.HasFragmentation() {
			return true
		}
		if !reg.Matches(b.PrimaryBlock.Destination) {
			return true
		}
		if reg.seenRecently(b.ID()) {
			return true
		}
		reg.enqueue(b)
		return true
	})
}

var _ core.RegistrationDeliverer = (*Table)(nil)
