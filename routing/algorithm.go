// Package routing implements the pluggable routing decision spec.md §4.6
// hands off to: "For each admitted bundle the engine consults a pluggable
// routing decision." The interface shape and the epidemic algorithm below
// are adapted from dtn7-gold's routing.Algorithm / routing.EpidemicRouting.
package routing

import (
	"github.com/dtn7/bpcore/core"
)

// PeerSource is the minimal convergence-layer view a routing algorithm
// needs: the currently reachable set of outbound senders. cla.Manager
// satisfies this structurally, so this package never imports cla.
type PeerSource interface {
	All() []core.Sender
}

// Algorithm is core.RoutingAlgorithm plus the peer-lifecycle and
// failure-reporting hooks the algorithms in this package use internally,
// mirroring the teacher's fuller Algorithm interface (ReportFailure,
// ReportPeerAppeared, ReportPeerDisappeared). core.RoutingAlgorithm itself
// never calls these, and neither do cmd/bpagentd nor the Forwarding
// Engine; only code holding an Algorithm directly reaches them.
type Algorithm interface {
	core.RoutingAlgorithm

	// ReportFailure notifies the algorithm a previously selected sender
	// failed to transmit a bundle, so it can reconsider that peer on the
	// bundle's next forward attempt.
	ReportFailure(bp *core.BundlePack, sender core.Sender)

	// ReportPeerAppeared and ReportPeerDisappeared notify the algorithm
	// about convergence-layer contact changes.
	ReportPeerAppeared(sender core.Sender)
	ReportPeerDisappeared(address string)

	String() string
}
