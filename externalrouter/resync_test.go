package externalrouter

import (
	"sort"
	"testing"
)

func TestResyncTrackerDetectsStaleAfterDisappearance(t *testing.T) {
	rt := NewResyncTracker()

	if stale := rt.Sync([]string{"a", "b"}); len(stale) != 0 {
		t.Fatalf("first sync should report no stale ids, got %v", stale)
	}

	stale := rt.Sync([]string{"a"})
	if len(stale) != 1 || stale[0] != "b" {
		t.Fatalf("expected [b] stale, got %v", stale)
	}
}

func TestResyncTrackerReappearingBundleStaysKnown(t *testing.T) {
	rt := NewResyncTracker()
	rt.Sync([]string{"a", "b"})
	rt.Sync([]string{"a"}) // b goes stale here
	stale := rt.Sync([]string{"a", "b"})
	sort.Strings(stale)
	if len(stale) != 0 {
		t.Fatalf("expected no stale ids once b reappears, got %v", stale)
	}
}

func TestResyncTrackerEmptyFirstSync(t *testing.T) {
	rt := NewResyncTracker()
	if stale := rt.Sync(nil); len(stale) != 0 {
		t.Fatalf("expected no stale ids on an empty first sync, got %v", stale)
	}
}
