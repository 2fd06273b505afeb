package externalrouter

import "sync"

// ResyncTracker implements §4.7's resync discipline: on each full report,
// flag every previously known bundle as "not yet seen in this report",
// clear the flag as each bundle is actually re-reported, and whatever is
// still flagged afterward is known to have disappeared without the
// external router needing a bundle-by-bundle diff protocol.
type ResyncTracker struct {
	mu      sync.Mutex
	flagged map[string]bool
	known   map[string]bool
}

// NewResyncTracker creates an empty tracker.
func NewResyncTracker() *ResyncTracker {
	return &ResyncTracker{flagged: make(map[string]bool), known: make(map[string]bool)}
}

// Sync runs one full-report cycle: currentGBoFs is every bundle this
// report is about to mention. It returns the GBoF-ids known from a prior
// cycle that did not reappear, i.e. bundles the external router should
// now consider gone.
func (rt *ResyncTracker) Sync(currentGBoFs []string) (stale []string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for id := range rt.known {
		rt.flagged[id] = true
	}

	for _, id := range currentGBoFs {
		delete(rt.flagged, id)
		rt.known[id] = true
	}

	for id := range rt.flagged {
		stale = append(stale, id)
		delete(rt.known, id)
	}
	rt.flagged = make(map[string]bool)

	return stale
}
