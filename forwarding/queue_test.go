package forwarding

import (
	"testing"

	"github.com/dtn7/bpcore/bundle"
)

func TestReservationQueueOrdering(t *testing.T) {
	q := newReservationQueue()

	bulk := &Reservation{BundleID: 1, Class: bundle.PriorityBulk}
	normal := &Reservation{BundleID: 2, Class: bundle.PriorityNormal}
	expedited := &Reservation{BundleID: 3, Class: bundle.PriorityExpedited}
	expeditedHighOrdinal := &Reservation{BundleID: 4, Class: bundle.PriorityExpedited, Ordinal: 10}

	q.Push(bulk)
	q.Push(normal)
	q.Push(expedited)
	q.Push(expeditedHighOrdinal)

	want := []*Reservation{expeditedHighOrdinal, expedited, normal, bulk}
	for i, w := range want {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue empty early", i)
		}
		if got != w {
			t.Fatalf("pop %d: got bundle-id %d, want %d", i, got.BundleID, w.BundleID)
		}
	}
}

func TestReservationQueueFIFOAtEqualPriority(t *testing.T) {
	q := newReservationQueue()

	first := &Reservation{BundleID: 1, Class: bundle.PriorityNormal}
	second := &Reservation{BundleID: 2, Class: bundle.PriorityNormal}
	q.Push(first)
	q.Push(second)

	got, _ := q.Pop()
	if got != first {
		t.Fatalf("expected FIFO: first-pushed reservation should pop first")
	}
	got, _ = q.Pop()
	if got != second {
		t.Fatalf("expected FIFO: second-pushed reservation should pop second")
	}
}

func TestReservationQueuePushHead(t *testing.T) {
	q := newReservationQueue()

	a := &Reservation{BundleID: 1, Class: bundle.PriorityNormal}
	b := &Reservation{BundleID: 2, Class: bundle.PriorityNormal}
	q.Push(a)
	q.Push(b)

	// Simulate a's transmission having failed: requeue it at the head.
	q.Pop()
	q.PushHead(a)

	got, _ := q.Pop()
	if got != a {
		t.Fatalf("PushHead should resurface the requeued reservation first")
	}
}

func TestReservationQueueRemove(t *testing.T) {
	q := newReservationQueue()

	a := &Reservation{BundleID: 1, Class: bundle.PriorityNormal}
	b := &Reservation{BundleID: 2, Class: bundle.PriorityNormal}
	q.Push(a)
	q.Push(b)

	if !q.Remove(1) {
		t.Fatalf("Remove should find bundle-id 1")
	}
	if q.Len() != 1 {
		t.Fatalf("queue should have 1 entry left, got %d", q.Len())
	}
	got, _ := q.Peek()
	if got != b {
		t.Fatalf("remaining entry should be b")
	}
}
