package forwarding

import (
	"container/heap"
	"sync"

	"github.com/dtn7/bpcore/bundle"
)

// Reservation is a bundle's placement on a link's transmit queue (§3's
// "Reservation"): the GBoF-id plus the priority-queue key fields of §4.6.
type Reservation struct {
	GBoF     bundle.GBoFId
	BundleID uint64
	Class    bundle.PriorityClass
	Ordinal  uint
	Action   bundle.ForwardAction

	seq int64 // tie-breaker after class and ordinal (insertion order; head-of-queue requeues get lower values); lower sorts first
}

// heapItem wraps a Reservation with its current heap index, so
// reservationQueue.Remove can splice an arbitrary entry out in O(log n).
type heapItem struct {
	res   *Reservation
	index int
}

type resHeap []*heapItem

func (h resHeap) Len() int { return len(h) }

// Less implements the §4.6 ordering: primary by priority class (expedited
// > normal > bulk > reserved is NOT the stated order — spec.md fixes
// expedited > normal > bulk; "reserved" is a distinct class whose ordering
// relative to the other three is left to the routing oracle, so it sorts
// alongside bulk here), secondary by ECOS ordinal (high wins), tertiary by
// seq (lower wins: Push assigns increasing values, giving FIFO at equal
// priority, and PushHead assigns decreasing negative ones), with bundle-id
// compared only when seq is equal.
func (h resHeap) Less(i, j int) bool {
	a, b := h[i].res, h[j].res

	pa, pb := classRank(a.Class), classRank(b.Class)
	if pa != pb {
		return pa > pb
	}
	if a.Ordinal != b.Ordinal {
		return a.Ordinal > b.Ordinal
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.BundleID < b.BundleID
}

func classRank(c bundle.PriorityClass) int {
	switch c {
	case bundle.PriorityExpedited:
		return 3
	case bundle.PriorityNormal:
		return 2
	case bundle.PriorityReserved, bundle.PriorityBulk:
		return 1
	default:
		return 0
	}
}

func (h resHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *resHeap) Push(x interface{}) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *resHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// reservationQueue is a link's priority queue of §4.6: O(log n) insert and
// arbitrary removal, O(1) highest-priority peek.
type reservationQueue struct {
	mu      sync.Mutex
	h       resHeap
	byID    map[uint64]*heapItem
	nextSeq int64
	headSeq int64
}

func newReservationQueue() *reservationQueue {
	return &reservationQueue{byID: make(map[uint64]*heapItem)}
}

// Push inserts r at its natural priority-ordered position.
func (q *reservationQueue) Push(r *Reservation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	r.seq = q.nextSeq
	item := &heapItem{res: r}
	heap.Push(&q.h, item)
	q.byID[r.BundleID] = item
}

// PushHead inserts r ahead of every entry at its (class, ordinal) tier,
// for the transmit-failure requeue rule of §4.6.
func (q *reservationQueue) PushHead(r *Reservation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.headSeq--
	r.seq = q.headSeq
	item := &heapItem{res: r}
	heap.Push(&q.h, item)
	q.byID[r.BundleID] = item
}

// Peek returns the highest-priority reservation without removing it.
func (q *reservationQueue) Peek() (*Reservation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	return q.h[0].res, true
}

// Pop removes and returns the highest-priority reservation.
func (q *reservationQueue) Pop() (*Reservation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.h).(*heapItem)
	delete(q.byID, item.res.BundleID)
	return item.res, true
}

// Remove splices the reservation for bundleID out of the queue, if
// present. Only this package's tests call it; IPC and external-router
// cancellation go through core.Core.CancelBundle instead.
func (q *reservationQueue) Remove(bundleID uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[bundleID]
	if !ok {
		return false
	}
	heap.Remove(&q.h, item.index)
	delete(q.byID, bundleID)
	return true
}

func (q *reservationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
