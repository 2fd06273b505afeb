package custody

import (
	"testing"
	"time"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

func mustBundle(t *testing.T, dest string, custodyRequested bool) bundle.Bundle {
	t.Helper()
	flags := bundle.BundleControlFlags(0)
	if custodyRequested {
		flags = bundle.BndlCFCustodyRequested
	}
	b, err := bundle.Builder().
		Source("dtn://src/").
		Destination(dest).
		CreationTimestampNow().
		Lifetime("30m").
		BundleCtrlFlags(flags).
		PayloadBlock([]byte("x")).
		Build()
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	return b
}

type recordingNotifier struct {
	discharged []bundle.GBoFId
}

func (n *recordingNotifier) DischargeCustody(gbof bundle.GBoFId) {
	n.discharged = append(n.discharged, gbof)
}

type recordingSender struct {
	sent []bundle.Bundle
}

func (s *recordingSender) SendBundle(b bundle.Bundle) {
	s.sent = append(s.sent, b)
}

// TestAggregateSignalRoundTrip covers property L2: encoding a set of
// custody-ids and decoding the marshaled ACS payload returns the same set.
func TestAggregateSignalRoundTrip(t *testing.T) {
	ids := []uint64{1, 2, 3, 7, 8, 100}

	as := AggregateSignal{
		Success: true,
		Reason:  bundle.NoInformation,
		Runs:    EncodeIDs(ids),
		At:      bundle.DtnTimeNow(),
	}

	payload, err := MarshalAggregateSignal(as)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := UnmarshalAggregateSignal(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got := DecodeIDs(decoded.Runs)
	if len(got) != len(ids) {
		t.Fatalf("expected %d ids back, got %d: %v", len(ids), len(got), got)
	}
	for i, id := range ids {
		if got[i] != id {
			t.Fatalf("id mismatch at %d: want %d, got %d", i, id, got[i])
		}
	}
}

func TestHandleRawRecordDischargesEntryAndNotifiesCore(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.SoftCapBytes = 1 // force the ack batch to flush immediately (§4.5 condition (a))
	m := NewManager(cfg, sender, nil, nil)
	notifier := &recordingNotifier{}
	m.SetNotifier(notifier)

	b := mustBundle(t, "dtn://dst/", true)
	// Acks to a dtn:none custodian are never sent, so give the bundle a
	// real previous custodian.
	prev, err := bundle.NewEndpointID("dtn://prev/")
	if err != nil {
		t.Fatalf("NewEndpointID: %v", err)
	}
	b.PrimaryBlock.Custodian = prev
	bp := core.NewBundlePack(b, bundle.DtnNone())
	m.Accept(bp)

	if len(sender.sent) != 1 {
		t.Fatalf("expected an immediate ack attempt queued, got %d sends", len(sender.sent))
	}

	m.mu.Lock()
	var custodyID uint64
	for id := range m.entries {
		custodyID = id
	}
	m.mu.Unlock()
	if custodyID == 0 {
		t.Fatalf("expected an accepted custody entry")
	}

	as := AggregateSignal{
		Success: true,
		Reason:  bundle.NoInformation,
		Runs:    EncodeIDs([]uint64{custodyID}),
		At:      bundle.DtnTimeNow(),
	}
	payload, err := MarshalAggregateSignal(as)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if ok := m.HandleRawRecord(payload); !ok {
		t.Fatalf("expected HandleRawRecord to recognize the ACS payload")
	}

	m.mu.Lock()
	_, stillPresent := m.entries[custodyID]
	m.mu.Unlock()
	if stillPresent {
		t.Fatalf("expected custody entry to be discharged")
	}

	if len(notifier.discharged) != 1 || notifier.discharged[0] != bp.ID() {
		t.Fatalf("expected core to be notified of the discharge, got %v", notifier.discharged)
	}
}

func TestHandleRawRecordRejectsGarbage(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil)
	if m.HandleRawRecord([]byte{0xff, 0x00, 0x01}) {
		t.Fatalf("expected garbage payload to be rejected")
	}
}

func TestDischargeForExpiryNotifiesCore(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil)
	notifier := &recordingNotifier{}
	m.SetNotifier(notifier)

	b := mustBundle(t, "dtn://dst/", true)
	bp := core.NewBundlePack(b, bundle.DtnNone())
	m.Accept(bp)

	m.DischargeForExpiry(bp.ID())

	if len(notifier.discharged) != 1 || notifier.discharged[0] != bp.ID() {
		t.Fatalf("expected expiry discharge to notify core, got %v", notifier.discharged)
	}

	// A second discharge of the same, already-removed entry is a no-op.
	m.DischargeForExpiry(bp.ID())
	if len(notifier.discharged) != 1 {
		t.Fatalf("expected no duplicate notification, got %v", notifier.discharged)
	}
}

// TestCrossNodeCustodyTransferReferencesPriorCustodianID exercises the real
// two-node protocol of spec.md §8 scenario 1: B's ACS back to A must
// reference A's own custody-id for the transfer, not the id B assigns to
// its own entry. A single Manager feeding its own id back to itself (as
// TestHandleRawRecordDischargesEntryAndNotifiesCore does) cannot catch a
// regression here, since in that case the two ids are one and the same.
func TestCrossNodeCustodyTransferReferencesPriorCustodianID(t *testing.T) {
	const nodeA = "dtn://a/"

	cfg := DefaultConfig()
	cfg.SoftCapBytes = 1 // force each node's ack batch to flush immediately

	senderA := &recordingSender{}
	mA := NewManager(cfg, senderA, nil, nil)
	notifierA := &recordingNotifier{}
	mA.SetNotifier(notifierA)

	// A is the bundle's first custodian: it accepts custody of a bundle
	// carrying no CustodyTransferBlock yet.
	b := mustBundle(t, "dtn://dst/", true)
	bpA := core.NewBundlePack(b, bundle.DtnNone())
	mA.Accept(bpA)

	mA.mu.Lock()
	var aCustodyID uint64
	for id := range mA.entries {
		aCustodyID = id
	}
	mA.mu.Unlock()
	if aCustodyID == 0 {
		t.Fatalf("expected A to have accepted a custody entry")
	}

	forwarded := bpA.Bundle
	cb, err := forwarded.ExtensionBlock(bundle.CustodyTransferBlock)
	if err != nil {
		t.Fatalf("expected the bundle A accepted custody of to carry a CustodyTransferBlock: %v", err)
	}
	if got, ok := cb.Data.(uint64); !ok || got != aCustodyID {
		t.Fatalf("CustodyTransferBlock carries %v, want A's own custody id %d", cb.Data, aCustodyID)
	}

	// A forwards the bundle onward, recording itself as the bundle's
	// current custodian — the half of custody transfer that happens
	// outside Accept itself.
	aEID, err := bundle.NewEndpointID(nodeA)
	if err != nil {
		t.Fatalf("NewEndpointID: %v", err)
	}
	forwarded.PrimaryBlock.Custodian = aEID

	// B receives the forwarded bundle and accepts custody of its own.
	senderB := &recordingSender{}
	mB := NewManager(cfg, senderB, nil, nil)
	bpB := core.NewBundlePack(forwarded, bundle.DtnNone())
	mB.Accept(bpB)

	if len(senderB.sent) != 1 {
		t.Fatalf("expected B to have sent an immediate ack to A, got %d sends", len(senderB.sent))
	}

	ackBundle := senderB.sent[0]
	if got := ackBundle.PrimaryBlock.Destination.String(); got != nodeA {
		t.Fatalf("B's ack was addressed to %q, want A (%q)", got, nodeA)
	}

	payload, err := ackBundle.PayloadBlock()
	if err != nil {
		t.Fatalf("ack payload block: %v", err)
	}
	data, _ := payload.Data.([]byte)

	as, err := UnmarshalAggregateSignal(data)
	if err != nil {
		t.Fatalf("unmarshal B's ack payload: %v", err)
	}
	ids := DecodeIDs(as.Runs)
	if len(ids) != 1 || ids[0] != aCustodyID {
		t.Fatalf("B's ACS referenced %v, want exactly A's own custody id [%d]", ids, aCustodyID)
	}

	// Feeding B's ACS back into A must discharge A's own entry, keyed by
	// A's own custody id — not by whatever id B minted for itself.
	if ok := mA.HandleRawRecord(data); !ok {
		t.Fatalf("expected A to recognize B's ACS payload")
	}

	mA.mu.Lock()
	_, stillPresent := mA.entries[aCustodyID]
	mA.mu.Unlock()
	if stillPresent {
		t.Fatalf("expected A's custody entry to be discharged by B's ACS")
	}
	if len(notifierA.discharged) != 1 || notifierA.discharged[0] != bpA.ID() {
		t.Fatalf("expected A to be notified of the discharge, got %v", notifierA.discharged)
	}
}

// TestFlushExpiredFlushesBatchPastAccumulationWindow covers §4.5 condition
// (b): a batch that never reaches the soft cap is still flushed once its
// accumulation window elapses and FlushExpired runs, the cron-driven path
// spec.md §8 scenario 2 depends on.
func TestFlushExpiredFlushesBatchPastAccumulationWindow(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.AccumulationWindow = 10 * time.Millisecond
	cfg.SoftCapBytes = 1 << 20 // large enough that only the window expiry flushes it
	m := NewManager(cfg, sender, nil, nil)

	b := mustBundle(t, "dtn://dst/", true)
	// Acks to a dtn:none custodian are never sent, so give the bundle a
	// real previous custodian.
	prev, err := bundle.NewEndpointID("dtn://prev/")
	if err != nil {
		t.Fatalf("NewEndpointID: %v", err)
	}
	b.PrimaryBlock.Custodian = prev
	bp := core.NewBundlePack(b, bundle.DtnNone())
	m.Accept(bp)

	if len(sender.sent) != 0 {
		t.Fatalf("expected no immediate flush under the soft cap, got %d sends", len(sender.sent))
	}

	time.Sleep(20 * time.Millisecond)
	m.FlushExpired()

	if len(sender.sent) != 1 {
		t.Fatalf("expected FlushExpired to flush the expired batch, got %d sends", len(sender.sent))
	}
}

func TestDischargeIDsIgnoresUnknownID(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil)
	notifier := &recordingNotifier{}
	m.SetNotifier(notifier)

	// Must not panic or notify for an id with no matching entry.
	m.DischargeIDs([]uint64{9999})

	if len(notifier.discharged) != 0 {
		t.Fatalf("expected no notification for an unknown custody id, got %v", notifier.discharged)
	}
}
