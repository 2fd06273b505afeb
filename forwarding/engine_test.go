package forwarding

import (
	"errors"
	"testing"
	"time"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

type fakeSender struct {
	addr   string
	sent   []bundle.Bundle
	failN  int // fail this many calls before succeeding
	failed int
}

func (s *fakeSender) Send(b bundle.Bundle) error {
	if s.failed < s.failN {
		s.failed++
		return errors.New("simulated send failure")
	}
	s.sent = append(s.sent, b)
	return nil
}

func (s *fakeSender) Address() string { return s.addr }
func (s *fakeSender) Close() error    { return nil }

type fakeRouting struct {
	senders []core.Sender
	del     bool
}

func (r *fakeRouting) SenderForBundle(bp *core.BundlePack) ([]core.Sender, bool) {
	return r.senders, r.del
}
func (r *fakeRouting) NotifyIncoming(bp *core.BundlePack) {}

func testBundle(t *testing.T) bundle.Bundle {
	t.Helper()
	b, err := bundle.Builder().
		Source("dtn://src/").
		Destination("dtn://dst/").
		CreationTimestampNow().
		Lifetime("30m").
		PayloadBlock([]byte("hello")).
		Build()
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	return b
}

func TestEngineForwardSuccess(t *testing.T) {
	sender := &fakeSender{addr: "cla://peer"}
	routing := &fakeRouting{senders: []core.Sender{sender}, del: true}
	e := NewEngine(routing, Config{FailureThreshold: 3, DrainInterval: time.Hour}, nil)
	defer e.Close()

	bp := core.NewBundlePack(testBundle(t), bundle.DtnNone())
	bp.AddConstraint(core.ForwardPending)
	bp.AddConstraint(core.LinkReserved)

	sent, del := e.Forward(bp)
	if !sent {
		t.Fatalf("expected sent=true")
	}
	if !del {
		t.Fatalf("expected deleteAfterwards=true (from routing)")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one transmit, got %d", len(sender.sent))
	}
	if bp.HasConstraint(core.LinkReserved) {
		t.Fatalf("LinkReserved should be cleared once the reservation is fulfilled")
	}
	if len(bp.Bundle.ForwardingLog) != 1 {
		t.Fatalf("expected a forwarding log entry to be appended")
	}
}

func TestEngineForwardNoSenders(t *testing.T) {
	routing := &fakeRouting{senders: nil}
	e := NewEngine(routing, DefaultConfig(), nil)
	defer e.Close()

	bp := core.NewBundlePack(testBundle(t), bundle.DtnNone())
	sent, del := e.Forward(bp)
	if sent || del {
		t.Fatalf("expected sent=false, deleteAfterwards=false with no senders")
	}
}

func TestEngineForwardUnavailableLinkDefers(t *testing.T) {
	sender := &fakeSender{addr: "cla://peer"}
	routing := &fakeRouting{senders: []core.Sender{sender}}
	e := NewEngine(routing, DefaultConfig(), nil)
	defer e.Close()
	// linkFor only defaults a freshly-created link to Available; pre-register
	// it (Unavailable, NewLink's own default) so Forward resolves the same
	// instance instead of creating a second, Available one.
	e.RegisterLink(NewLink("cla://peer", bundle.DtnNone(), "cla://peer"))

	bp := core.NewBundlePack(testBundle(t), bundle.DtnNone())
	bp.AddConstraint(core.LinkReserved)

	sent, _ := e.Forward(bp)
	if sent {
		t.Fatalf("expected sent=false while the link is unavailable")
	}
	if !bp.HasConstraint(core.LinkReserved) {
		t.Fatalf("LinkReserved should remain set while the reservation is still queued")
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sender should not have been invoked")
	}

	link, ok := e.Link("cla://peer")
	if !ok {
		t.Fatalf("expected the link to have been created")
	}
	// The reservation sits in the deferred set while unavailable, not the
	// active priority queue (QueueLen deliberately excludes it, see Link).
	if link.QueueLen() != 0 {
		t.Fatalf("expected the active queue to stay empty while unavailable, got %d", link.QueueLen())
	}

	link.SetState(LinkAvailable)
	if link.QueueLen() != 1 {
		t.Fatalf("expected the deferred reservation to drain into the queue once available, got %d", link.QueueLen())
	}
}
