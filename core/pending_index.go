package core

import (
	"sort"
	"sync"

	"github.com/dtn7/bpcore/bundle"
)

// PendingIndex is the dispatcher-owned table of admitted bundles, keyed by
// GBoF-id (§4.3). Every mutating method is documented as dispatcher-only;
// the mutex exists only to let read-only diagnostic callers (e.g. the
// external router's stats snapshot) take a consistent view concurrently,
// not to allow concurrent writers.
type PendingIndex struct {
	mu         sync.RWMutex
	packs      map[bundle.GBoFId]*BundlePack
	byBundleID map[uint64]*BundlePack
}

// NewPendingIndex creates an empty index.
func NewPendingIndex() *PendingIndex {
	return &PendingIndex{
		packs:      make(map[bundle.GBoFId]*BundlePack),
		byBundleID: make(map[uint64]*BundlePack),
	}
}

// Insert adds a pack, returning false if a pack with the same GBoF-id is
// already present. Per the Open Question resolution recorded in
// SPEC_FULL.md §9, a GBoF collision rejects the second admission rather
// than merging or silently replacing.
func (pi *PendingIndex) Insert(bp *BundlePack) bool {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	id := bp.ID()
	if _, exists := pi.packs[id]; exists {
		return false
	}
	pi.packs[id] = bp
	return true
}

// Lookup returns the pack for an id, if present.
func (pi *PendingIndex) Lookup(id bundle.GBoFId) (*BundlePack, bool) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()

	bp, ok := pi.packs[id]
	return bp, ok
}

// LookupGBoF is an alias for Lookup kept for callers that derive the id
// from a bundle rather than holding one already.
func (pi *PendingIndex) LookupGBoF(b bundle.Bundle) (*BundlePack, bool) {
	return pi.Lookup(b.ID())
}

// BindBundleID records the Bundle Store's id for an already-inserted pack,
// making it reachable through LookupByBundleID/RemoveByBundleID. Callers
// bind once a pack has actually been persisted (its bundle-id is only
// known after Store.Push succeeds), so a pack that is still only
// GBoF-addressed simply has no bundle-id entry yet.
func (pi *PendingIndex) BindBundleID(gbof bundle.GBoFId, bundleID uint64) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	bp, ok := pi.packs[gbof]
	if !ok {
		return
	}
	bp.BundleID = bundleID
	pi.byBundleID[bundleID] = bp
}

// LookupByBundleID returns the pack for a locally-assigned bundle-id, the
// lookup(id) operation of spec.md §4.3 distinct from lookup_gbof.
func (pi *PendingIndex) LookupByBundleID(bundleID uint64) (*BundlePack, bool) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()

	bp, ok := pi.byBundleID[bundleID]
	return bp, ok
}

// Remove deletes a pack from the index unconditionally. Callers are
// expected to have already verified HasConstraints() is false.
func (pi *PendingIndex) Remove(id bundle.GBoFId) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	if bp, ok := pi.packs[id]; ok && bp.BundleID != 0 {
		delete(pi.byBundleID, bp.BundleID)
	}
	delete(pi.packs, id)
}

// RemoveByBundleID deletes a pack by its locally-assigned bundle-id, the
// remove(id) operation of spec.md §4.3. It reports whether a pack was
// found.
func (pi *PendingIndex) RemoveByBundleID(bundleID uint64) bool {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	bp, ok := pi.byBundleID[bundleID]
	if !ok {
		return false
	}
	delete(pi.byBundleID, bundleID)
	delete(pi.packs, bp.ID())
	return true
}

// Size returns the number of currently pending bundles.
func (pi *PendingIndex) Size() int {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return len(pi.packs)
}

// AllIDs returns every pending GBoF-id in a stable (sorted by string form)
// order, suitable as a starting point for cursor-resume iteration.
func (pi *PendingIndex) AllIDs() []bundle.GBoFId {
	pi.mu.RLock()
	defer pi.mu.RUnlock()

	ids := make([]bundle.GBoFId, 0, len(pi.packs))
	for id := range pi.packs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// IterFiltered walks the index in stable id order starting strictly after
// `cursor` (the zero value starts from the beginning), calling fn for every
// pack matching pred, until fn returns false or the index is exhausted. It
// returns the id to resume from on a subsequent call, so a caller (e.g. the
// external router's resync/full-report discipline, §4.7) can page through
// a large pending set across multiple ticks without holding the index
// locked for the whole walk.
func (pi *PendingIndex) IterFiltered(cursor *bundle.GBoFId, pred func(*BundlePack) bool, fn func(*BundlePack) bool) bundle.GBoFId {
	ids := pi.AllIDs()

	start := 0
	if cursor != nil {
		cs := cursor.String()
		for i, id := range ids {
			if id.String() > cs {
				start = i
				break
			}
			start = i + 1
		}
	}

	var last bundle.GBoFId
	for _, id := range ids[start:] {
		bp, ok := pi.Lookup(id)
		if !ok {
			continue
		}
		if pred != nil && !pred(bp) {
			continue
		}
		last = id
		if !fn(bp) {
			break
		}
	}
	return last
}

// DeleteExpired removes every pack whose lifetime has elapsed, invoking
// onDelete for each (the dispatcher uses this to run bundleDeletion's
// status-report side effect, §4.5). Constraints an expired pack still
// carries do not keep it in the index.
func (pi *PendingIndex) DeleteExpired(onDelete func(*BundlePack)) {
	for _, id := range pi.AllIDs() {
		bp, ok := pi.Lookup(id)
		if !ok || !bp.IsExpired() {
			continue
		}
		if onDelete != nil {
			onDelete(bp)
		}
		pi.Remove(id)
	}
}
