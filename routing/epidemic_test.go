package routing

import (
	"testing"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

type fakeSender struct{ addr string }

func (s fakeSender) Send(b bundle.Bundle) error { return nil }
func (s fakeSender) Address() string            { return s.addr }
func (s fakeSender) Close() error               { return nil }

type fakePeers struct{ senders []core.Sender }

func (p fakePeers) All() []core.Sender { return p.senders }

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

func TestEpidemicSenderForBundleFloodsAllPeers(t *testing.T) {
	peers := fakePeers{senders: []core.Sender{fakeSender{"a"}, fakeSender{"b"}}}
	er := NewEpidemicRouting(peers, nil)

	bp := core.NewBundlePack(testBundle(t), bundle.DtnNone())
	senders, del := er.SenderForBundle(bp)
	if del {
		t.Fatalf("epidemic routing should never claim deleteAfterwards")
	}
	if len(senders) != 2 {
		t.Fatalf("expected both peers on first forward, got %d", len(senders))
	}
}

func TestEpidemicSenderForBundleSkipsAlreadySent(t *testing.T) {
	peers := fakePeers{senders: []core.Sender{fakeSender{"a"}, fakeSender{"b"}}}
	er := NewEpidemicRouting(peers, nil)

	bp := core.NewBundlePack(testBundle(t), bundle.DtnNone())
	er.SenderForBundle(bp) // first call marks both as sent

	senders, _ := er.SenderForBundle(bp)
	if len(senders) != 0 {
		t.Fatalf("expected no new peers on second call, got %d", len(senders))
	}
}

func TestEpidemicReportFailureAllowsRetry(t *testing.T) {
	peers := fakePeers{senders: []core.Sender{fakeSender{"a"}}}
	er := NewEpidemicRouting(peers, nil)

	bp := core.NewBundlePack(testBundle(t), bundle.DtnNone())
	er.SenderForBundle(bp)
	er.ReportFailure(bp, fakeSender{"a"})

	senders, _ := er.SenderForBundle(bp)
	if len(senders) != 1 {
		t.Fatalf("expected peer to be retried after a reported failure, got %d", len(senders))
	}
}

func TestEpidemicForgetClearsBookkeeping(t *testing.T) {
	peers := fakePeers{senders: []core.Sender{fakeSender{"a"}}}
	er := NewEpidemicRouting(peers, nil)

	bp := core.NewBundlePack(testBundle(t), bundle.DtnNone())
	er.SenderForBundle(bp)
	er.Forget(bp.ID())

	senders, _ := er.SenderForBundle(bp)
	if len(senders) != 1 {
		t.Fatalf("expected peer to be offered again after Forget, got %d", len(senders))
	}
}
