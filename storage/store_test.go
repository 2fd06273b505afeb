package storage

import (
	"bytes"
	"testing"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

func mustTestBundle(t *testing.T, payload []byte) bundle.Bundle {
	t.Helper()
	b, err := bundle.Builder().
		Source("dtn://src/").
		Destination("dtn://dst/").
		CreationTimestampNow().
		Lifetime("30m").
		PayloadBlock(payload).
		Build()
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	return b
}

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePushFetchRemoveRoundTrip(t *testing.T) {
	s := openTestStore(t, DefaultConfig(""))

	b := mustTestBundle(t, []byte("hello"))
	bp := core.NewBundlePack(b, bundle.DtnNone())

	if err := s.Push(bp); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !s.Contains(b.ID()) {
		t.Fatal("store should contain the pushed bundle")
	}

	bundleID, ok := s.BundleID(b.ID())
	if !ok {
		t.Fatal("BundleID should resolve the just-pushed bundle")
	}

	got, err := s.Fetch(bundleID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	payload, err := got.PayloadBlock()
	if err != nil {
		t.Fatalf("PayloadBlock: %v", err)
	}
	data, _ := payload.Data.([]byte)
	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("payload = %q, want %q", data, "hello")
	}

	if err := s.Remove(b.ID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Contains(b.ID()) {
		t.Fatal("bundle should be gone after Remove")
	}
}

func TestStoreBundleIDStableAcrossRepeatedPush(t *testing.T) {
	s := openTestStore(t, DefaultConfig(""))
	b := mustTestBundle(t, []byte("x"))
	bp := core.NewBundlePack(b, bundle.DtnNone())

	if err := s.Push(bp); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	firstID, _ := s.BundleID(b.ID())

	if err := s.Push(bp); err != nil {
		t.Fatalf("second Push: %v", err)
	}
	secondID, _ := s.BundleID(b.ID())

	if firstID != secondID {
		t.Fatalf("bundle-id changed across re-push: %d != %d", firstID, secondID)
	}
}

func TestStoreSpillsPayloadAboveInlineLimit(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.InlinePayloadLimit = 4
	s := openTestStore(t, cfg)

	b := mustTestBundle(t, []byte("this payload exceeds the inline limit"))
	bp := core.NewBundlePack(b, bundle.DtnNone())
	if err := s.Push(bp); err != nil {
		t.Fatalf("Push: %v", err)
	}

	_, used := s.QuotaStats()
	if used == 0 {
		t.Fatal("spilled payload should count toward used bytes")
	}

	bundleID, _ := s.BundleID(b.ID())
	got, err := s.Fetch(bundleID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	payload, err := got.PayloadBlock()
	if err != nil {
		t.Fatalf("PayloadBlock: %v", err)
	}
	data, _ := payload.Data.([]byte)
	if !bytes.Equal(data, []byte("this payload exceeds the inline limit")) {
		t.Fatalf("rehydrated payload mismatch: %q", data)
	}
}

func TestStoreRejectsPushBeyondMaxBytes(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.InlinePayloadLimit = 4
	cfg.MaxBytes = 2
	s := openTestStore(t, cfg)

	b := mustTestBundle(t, []byte("bigger than quota"))
	bp := core.NewBundlePack(b, bundle.DtnNone())
	if err := s.Push(bp); err != ErrNoSpace {
		t.Fatalf("Push error = %v, want ErrNoSpace", err)
	}
}

func TestStoreReopenReloadsSurvivingBundles(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	s1, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	b := mustTestBundle(t, []byte("persisted"))
	bp := core.NewBundlePack(b, bundle.DtnNone())
	if err := s1.Push(bp); err != nil {
		t.Fatalf("Push: %v", err)
	}
	s1.Close()

	s2, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if !s2.Contains(b.ID()) {
		t.Fatal("bundle should survive a reopen")
	}
}
