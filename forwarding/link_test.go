package forwarding

import (
	"testing"
	"time"

	"github.com/dtn7/bpcore/bundle"
)

func TestLinkDeferredDrainOnAvailable(t *testing.T) {
	l := NewLink("l1", bundle.DtnNone(), "tcpcl")

	r := &Reservation{BundleID: 1, Class: bundle.PriorityNormal}
	l.Enqueue(r) // link starts Unavailable, so this goes to deferred

	if l.QueueLen() != 0 {
		t.Fatalf("expected reservation to be deferred, not queued, got QueueLen=%d", l.QueueLen())
	}

	l.SetState(LinkAvailable)
	if l.QueueLen() != 1 {
		t.Fatalf("expected the deferred reservation to drain on LinkAvailable, got QueueLen=%d", l.QueueLen())
	}

	got, ok := l.Pop()
	if !ok || got != r {
		t.Fatalf("expected to pop back the drained reservation")
	}
}

func TestLinkRetryBackoff(t *testing.T) {
	l := NewLink("l1", bundle.DtnNone(), "tcpcl")
	l.MinRetryInterval = 10 * time.Millisecond
	l.MaxRetryInterval = 100 * time.Millisecond

	l.SetState(LinkOpen)
	if !l.ReadyForRetry() {
		t.Fatalf("a link that never closed should always be ready")
	}

	l.SetState(LinkUnavailable) // unclean closure from Open
	if l.ReadyForRetry() {
		t.Fatalf("expected a backoff window immediately after an unclean closure")
	}

	time.Sleep(20 * time.Millisecond)
	if !l.ReadyForRetry() {
		t.Fatalf("expected retry to be ready after the backoff interval elapsed")
	}
}

func TestLinkEstimatesClamp(t *testing.T) {
	l := NewLink("l1", bundle.DtnNone(), "tcpcl")
	l.SetEstimates(1.5, -0.5)
	if l.Reliability() != 1 || l.Availability() != 0 {
		t.Fatalf("expected estimates to clamp to [0,1], got reliability=%v availability=%v",
			l.Reliability(), l.Availability())
	}
}
