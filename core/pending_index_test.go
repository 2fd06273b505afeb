package core

import (
	"testing"

	"github.com/dtn7/bpcore/bundle"
)

func mustPack(t *testing.T, dest string) *BundlePack {
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
	bp := NewBundlePack(b, bundle.DtnNone())
	bp.AddConstraint(DispatchPending)
	return bp
}

func TestPendingIndexInsertRejectsDuplicateGBoF(t *testing.T) {
	pi := NewPendingIndex()
	bp := mustPack(t, "dtn://dst/")

	if !pi.Insert(bp) {
		t.Fatal("first insert should succeed")
	}
	if pi.Insert(bp) {
		t.Fatal("second insert of the same GBoF-id should be rejected")
	}
	if pi.Size() != 1 {
		t.Fatalf("size = %d, want 1", pi.Size())
	}
}

func TestPendingIndexLookupAndRemove(t *testing.T) {
	pi := NewPendingIndex()
	bp := mustPack(t, "dtn://dst/")
	pi.Insert(bp)

	got, ok := pi.Lookup(bp.ID())
	if !ok || got != bp {
		t.Fatalf("Lookup returned (%v, %v), want (%v, true)", got, ok, bp)
	}

	pi.Remove(bp.ID())
	if _, ok := pi.Lookup(bp.ID()); ok {
		t.Fatal("pack should be gone after Remove")
	}
	if pi.Size() != 0 {
		t.Fatalf("size = %d, want 0", pi.Size())
	}
}

func TestPendingIndexBindAndLookupRemoveByBundleID(t *testing.T) {
	pi := NewPendingIndex()
	bp := mustPack(t, "dtn://dst/")
	pi.Insert(bp)

	if _, ok := pi.LookupByBundleID(42); ok {
		t.Fatal("bundle-id should not resolve before BindBundleID")
	}

	pi.BindBundleID(bp.ID(), 42)
	if bp.BundleID != 42 {
		t.Fatalf("BundlePack.BundleID = %d, want 42", bp.BundleID)
	}

	got, ok := pi.LookupByBundleID(42)
	if !ok || got != bp {
		t.Fatalf("LookupByBundleID returned (%v, %v), want (%v, true)", got, ok, bp)
	}

	if !pi.RemoveByBundleID(42) {
		t.Fatal("RemoveByBundleID should report the pack was found")
	}
	if _, ok := pi.Lookup(bp.ID()); ok {
		t.Fatal("pack should be gone from GBoF addressing after RemoveByBundleID")
	}
	if _, ok := pi.LookupByBundleID(42); ok {
		t.Fatal("pack should be gone from bundle-id addressing after RemoveByBundleID")
	}
	if pi.RemoveByBundleID(42) {
		t.Fatal("a second RemoveByBundleID of the same id should report not-found")
	}
}

func TestPendingIndexRemoveByGBoFClearsBundleIDIndex(t *testing.T) {
	pi := NewPendingIndex()
	bp := mustPack(t, "dtn://dst/")
	pi.Insert(bp)
	pi.BindBundleID(bp.ID(), 7)

	pi.Remove(bp.ID())

	if _, ok := pi.LookupByBundleID(7); ok {
		t.Fatal("removing by GBoF-id should also drop the bundle-id index entry")
	}
}

func TestPendingIndexAllIDsSortedAndFindable(t *testing.T) {
	pi := NewPendingIndex()
	bpA := mustPack(t, "dtn://a/")
	bpB := mustPack(t, "dtn://b/")
	pi.Insert(bpA)
	pi.Insert(bpB)

	ids := pi.AllIDs()
	if len(ids) != 2 {
		t.Fatalf("len(AllIDs()) = %d, want 2", len(ids))
	}
	if ids[0].String() > ids[1].String() {
		t.Fatal("AllIDs() is not sorted")
	}
}

func TestPendingIndexDeleteExpiredInvokesCallbackAndRemoves(t *testing.T) {
	pi := NewPendingIndex()

	expired, err := bundle.Builder().
		Source("dtn://src/").
		Destination("dtn://dst/").
		CreationTimestampNow().
		Lifetime("1ns").
		PayloadBlock([]byte("x")).
		Build()
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	bp := NewBundlePack(expired, bundle.DtnNone())
	bp.AddConstraint(DispatchPending)
	pi.Insert(bp)

	fresh := mustPack(t, "dtn://dst2/")
	pi.Insert(fresh)

	var deleted []bundle.GBoFId
	pi.DeleteExpired(func(bp *BundlePack) {
		deleted = append(deleted, bp.ID())
	})

	if len(deleted) != 1 || deleted[0] != bp.ID() {
		t.Fatalf("deleted = %v, want exactly [%v]", deleted, bp.ID())
	}
	if _, ok := pi.Lookup(bp.ID()); ok {
		t.Fatal("expired pack should have been removed")
	}
	if _, ok := pi.Lookup(fresh.ID()); !ok {
		t.Fatal("unexpired pack should remain")
	}
}
