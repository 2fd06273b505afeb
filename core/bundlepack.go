package core

import (
	"fmt"
	"time"

	"github.com/dtn7/bpcore/bundle"
)

// BundlePack is the dispatcher-owned wrapper around an admitted bundle:
// the arena entry the rest of the core operates on, carrying the
// constraint set that keeps the bundle alive in the Pending Index (§3's
// "reference-counted" pending bundle, §8 invariant P4) plus bookkeeping
// that does not belong on the wire bundle itself.
type BundlePack struct {
	Bundle      bundle.Bundle
	Receiver    bundle.EndpointID
	Constraints map[Constraint]bool

	AdmittedAt time.Time

	// BundleID is the Bundle Store's locally-assigned id for this pack's
	// bundle, bound once the pack has been persisted (zero until then).
	// It lets the Pending Index resolve "bundle-id N" (spec.md §4.3's
	// lookup(id)/remove(id)) without every caller re-deriving a GBoF-id
	// first, e.g. the IPC cancel_bundle request (§4.8).
	BundleID uint64
}

// NewBundlePack wraps a freshly-received or freshly-built bundle. The
// caller is expected to add at least one Constraint immediately afterward;
// a BundlePack with zero constraints is eligible for removal from the
// Pending Index on the dispatcher's next pass.
func NewBundlePack(b bundle.Bundle, receiver bundle.EndpointID) *BundlePack {
	return &BundlePack{
		Bundle:      b,
		Receiver:    receiver,
		Constraints: make(map[Constraint]bool),
		AdmittedAt:  time.Now(),
	}
}

// ID returns the wrapped bundle's GBoF-id.
func (bp *BundlePack) ID() bundle.GBoFId {
	return bp.Bundle.ID()
}

// AddConstraint sets a constraint, keeping the pack alive for that reason.
func (bp *BundlePack) AddConstraint(c Constraint) {
	bp.Constraints[c] = true
}

// RemoveConstraint clears a constraint.
func (bp *BundlePack) RemoveConstraint(c Constraint) {
	delete(bp.Constraints, c)
}

// HasConstraint reports whether a constraint is currently set.
func (bp *BundlePack) HasConstraint(c Constraint) bool {
	return bp.Constraints[c]
}

// HasConstraints reports whether any constraint is set at all. A pack with
// no constraints left is the trigger condition for bundleDeletion (§4.1).
func (bp *BundlePack) HasConstraints() bool {
	return len(bp.Constraints) > 0
}

// IsExpired reports whether the bundle's lifetime has elapsed relative to
// its creation time.
func (bp *BundlePack) IsExpired() bool {
	return bp.Bundle.PrimaryBlock.IsLifetimeExceeded()
}

func (bp *BundlePack) String() string {
	return fmt.Sprintf("BundlePack(%v, constraints=%d)", bp.ID(), len(bp.Constraints))
}
