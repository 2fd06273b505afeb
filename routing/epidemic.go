package routing

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

// EpidemicRouting floods every bundle to every reachable peer that has not
// already received a copy, adapted from dtn7-gold's EpidemicRouting. Unlike
// the teacher, which tracks the sent-to set as a BundleItem property in its
// storage layer, this core's BundlePack carries no open-ended property bag,
// so the set is kept locally, keyed by GBoF-id.
type EpidemicRouting struct {
	peers PeerSource
	log   logrus.FieldLogger

	mu   sync.Mutex
	sent map[bundle.GBoFId]map[string]bool
}

// NewEpidemicRouting creates an EpidemicRouting algorithm over peers.
func NewEpidemicRouting(peers PeerSource, log logrus.FieldLogger) *EpidemicRouting {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &EpidemicRouting{
		peers: peers,
		log:   log,
		sent:  make(map[bundle.GBoFId]map[string]bool),
	}
}

var _ Algorithm = (*EpidemicRouting)(nil)

// NotifyIncoming inspects an incoming bundle's PreviousNodeBlock, if any,
// and marks that peer as already having a copy, so epidemic flooding does
// not immediately bounce the bundle straight back to where it came from.
func (er *EpidemicRouting) NotifyIncoming(bp *core.BundlePack) {
	pnBlock, err := bp.Bundle.ExtensionBlock(bundle.PreviousNodeBlock)
	if err != nil {
		return
	}
	prev, ok := pnBlock.Data.(bundle.EndpointID)
	if !ok {
		return
	}

	er.mu.Lock()
	defer er.mu.Unlock()
	er.markSentLocked(bp.ID(), prev.String())
}

// SenderForBundle returns every reachable peer that has not yet received
// this bundle. delete is always false: epidemic routing keeps its local
// copy so it can still flood it to peers that appear later (§4.6's "copy"
// action), relying on lifetime expiry or explicit delivery to eventually
// free it.
func (er *EpidemicRouting) SenderForBundle(bp *core.BundlePack) (senders []core.Sender, delete bool) {
	all := er.peers.All()

	er.mu.Lock()
	defer er.mu.Unlock()

	id := bp.ID()
	for _, s := range all {
		if er.sentLocked(id, s.Address()) {
			continue
		}
		senders = append(senders, s)
		er.markSentLocked(id, s.Address())
	}

	er.log.WithFields(logrus.Fields{"bundle": bp.Bundle, "senders": len(senders)}).
		Debug("epidemic routing selected senders")

	return senders, false
}

// ReportFailure forgets that sender received bp, so a later forward attempt
// retries it.
func (er *EpidemicRouting) ReportFailure(bp *core.BundlePack, sender core.Sender) {
	er.mu.Lock()
	defer er.mu.Unlock()
	if set := er.sent[bp.ID()]; set != nil {
		delete(set, sender.Address())
	}
}

func (er *EpidemicRouting) ReportPeerAppeared(sender core.Sender) {
	er.log.WithField("peer", sender.Address()).Debug("epidemic routing saw a new peer")
}

func (er *EpidemicRouting) ReportPeerDisappeared(address string) {
	er.log.WithField("peer", address).Debug("epidemic routing lost a peer")
}

func (er *EpidemicRouting) String() string { return "epidemic" }

func (er *EpidemicRouting) sentLocked(id bundle.GBoFId, addr string) bool {
	set := er.sent[id]
	return set != nil && set[addr]
}

func (er *EpidemicRouting) markSentLocked(id bundle.GBoFId, addr string) {
	set := er.sent[id]
	if set == nil {
		set = make(map[string]bool)
		er.sent[id] = set
	}
	set[addr] = true
}

// Forget drops a bundle's sent-to bookkeeping. Nothing in cmd/bpagentd
// calls it, so in the daemon a bundle's entry stays in the sent-to map
// after the bundle leaves the Pending Index.
func (er *EpidemicRouting) Forget(id bundle.GBoFId) {
	er.mu.Lock()
	defer er.mu.Unlock()
	delete(er.sent, id)
}
