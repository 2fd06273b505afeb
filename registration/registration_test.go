package registration

import (
	"testing"

	"github.com/dtn7/bpcore/bundle"
)

func mustPattern(t *testing.T, raw string) bundle.EndpointIDPattern {
	t.Helper()
	p, err := bundle.NewEndpointIDPattern(raw)
	if err != nil {
		t.Fatalf("parse pattern %q: %v", raw, err)
	}
	return p
}

func mustBundle(t *testing.T, dest string) bundle.Bundle {
	t.Helper()
	b, err := bundle.Builder().
		Source("dtn://src/").
		Destination(dest).
		CreationTimestampNow().
		Lifetime("30m").
		PayloadBlock([]byte("x")).
		Build()
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	return b
}

func TestTablePeekDoesNotConsume(t *testing.T) {
	table := NewTable(nil)
	regID := table.Add(mustPattern(t, "dtn://local/"), KindApplication, FailureDrop, ReplayNewOnly, false)

	if err := table.Deliver(mustEID(t, "dtn://local/"), mustBundle(t, "dtn://local/")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	reg, ok := table.Get(regID)
	if !ok {
		t.Fatalf("expected registration to exist")
	}

	if _, ok := reg.Peek(); !ok {
		t.Fatalf("expected a queued delivery")
	}
	if reg.QueueLen() != 1 {
		t.Fatalf("expected peek to leave the entry queued, queue len=%d", reg.QueueLen())
	}
	if _, ok := reg.Dequeue(); !ok {
		t.Fatalf("expected dequeue to find the same entry")
	}
	if reg.QueueLen() != 0 {
		t.Fatalf("expected dequeue to consume the entry")
	}
}

func TestTableDeliverDedupesByGBoF(t *testing.T) {
	table := NewTable(nil)
	regID := table.Add(mustPattern(t, "dtn://local/"), KindApplication, FailureDrop, ReplayNewOnly, false)

	b := mustBundle(t, "dtn://local/")
	if err := table.Deliver(b.PrimaryBlock.Destination, b); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	if err := table.Deliver(b.PrimaryBlock.Destination, b); err != nil {
		t.Fatalf("second deliver: %v", err)
	}

	reg, _ := table.Get(regID)
	if reg.QueueLen() != 1 {
		t.Fatalf("expected duplicate delivery to be suppressed, queue len=%d", reg.QueueLen())
	}
}

func TestTableFindMatchingInsertionOrder(t *testing.T) {
	table := NewTable(nil)
	first := table.Add(mustPattern(t, "dtn://local/"), KindApplication, FailureDrop, ReplayNewOnly, false)
	table.Add(mustPattern(t, "dtn://local/"), KindLogging, FailureDrop, ReplayNewOnly, false)

	got, ok := table.FindMatching(mustEID(t, "dtn://local/"))
	if !ok || got != first {
		t.Fatalf("expected first-registered match %d, got %d (ok=%v)", first, got, ok)
	}
}

func mustEID(t *testing.T, raw string) bundle.EndpointID {
	t.Helper()
	eid, err := bundle.NewEndpointID(raw)
	if err != nil {
		t.Fatalf("parse eid %q: %v", raw, err)
	}
	return eid
}
