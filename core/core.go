package core

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bundle"
)

// Core wires together the Pending Index, Registration Table, Custody
// Manager and Forwarding Engine behind the single event dispatcher
// described in §4.1 and §5. Every exported method that touches mutable
// state does so by dispatching an event rather than mutating directly,
// except where noted.
type Core struct {
	NodeID bundle.EndpointID

	pending       *PendingIndex
	store         Store
	custody       Custodian
	forwarding    Forwarder
	registrations RegistrationDeliverer
	routing       RoutingAlgorithm
	dispatcher    *EventDispatcher
	cron          *Cron

	// InspectAllBundles mirrors the teacher's field of the same purpose:
	// when true, administrative records are inspected even on bundles this
	// node did not address, e.g. when running as a pure relay that still
	// wants custody signal visibility.
	InspectAllBundles bool

	log *logrus.Logger
}

// NewCore assembles a Core from already-constructed subsystem
// implementations. Nil subsystems, the store included, are tolerated,
// mirroring the teacher's tolerant constructor; NodeID must be set.
func NewCore(nodeID bundle.EndpointID, store Store, custodian Custodian, fwd Forwarder, regs RegistrationDeliverer, routing RoutingAlgorithm, log *logrus.Logger) *Core {
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Core{
		NodeID:        nodeID,
		pending:       NewPendingIndex(),
		store:         store,
		custody:       custodian,
		forwarding:    fwd,
		registrations: regs,
		routing:       routing,
		cron:          NewCron(log),
		log:           log,
	}
	c.dispatcher = NewEventDispatcher(256, c.handleEvent)

	c.cron.Register("expire-pending-bundles", 30*time.Second, c.expirePendingBundles)

	return c
}

// RegisterCronTask adds a named periodic job to Core's background
// scheduler, for subsystems wired in after NewCore (e.g. the Custody
// Manager's accumulation-expiry flush, cmd/bpagentd's §4.5 condition (b)
// wiring) that need a recurring tick but are constructed after Core is.
// Must be called before Start.
func (c *Core) RegisterCronTask(name string, interval time.Duration, fn func()) {
	c.cron.Register(name, interval, fn)
}

// Start launches the dispatcher and cron loops. Callers are expected to
// call Close when shutting down.
func (c *Core) Start() {
	go c.dispatcher.Run()
	go c.cron.Run()
}

// Close stops the dispatcher and cron loops, draining whatever is queued.
func (c *Core) Close() {
	c.cron.Close()
	c.dispatcher.Close()
}

// LookupPending returns the BundlePack for a GBoF-id still held in the
// Pending Index, if any. The Forwarding Engine's background retry loop uses
// this to recover the bundle behind a queued reservation without holding
// its own copy of every in-flight bundle.
func (c *Core) LookupPending(id bundle.GBoFId) (*BundlePack, bool) {
	return c.pending.Lookup(id)
}

// FindPendingByString resolves a GBoF-id's String() form back to the
// typed id, for callers (the external router's cancel-bundle command) that
// only have the string form a snapshot handed out earlier. It is O(n) in the Pending Index's size,
// acceptable for an operator-driven, not hot-path, lookup.
func (c *Core) FindPendingByString(s string) (bundle.GBoFId, bool) {
	for _, id := range c.pending.AllIDs() {
		if id.String() == s {
			return id, true
		}
	}
	return bundle.GBoFId{}, false
}

// HasEndpoint reports whether eid names this node, i.e. whether it is a
// local delivery destination.
func (c *Core) HasEndpoint(eid bundle.EndpointID) bool {
	if eid.IsDtnNone() {
		return false
	}
	if eid.String() == c.NodeID.String() {
		return true
	}
	if c.registrations != nil {
		return c.registrations.HasEndpoint(eid)
	}
	return false
}

// SendStatusReport builds and transmits a status report administrative
// record for bp, addressed to its report-to endpoint, unless that endpoint
// is dtn:none (in which case no report is sent, per BPv7 §5).
func (c *Core) SendStatusReport(bp *BundlePack, status bundle.StatusInformationPos, reason bundle.StatusReportReason) {
	reportTo := bp.Bundle.PrimaryBlock.ReportTo
	if reportTo.IsDtnNone() {
		return
	}

	sr := bundle.NewStatusReport(bp.Bundle, status, reason, bundle.DtnTimeNow())
	payload, err := bundle.AdministrativeRecordToCbor(sr)
	if err != nil {
		c.log.WithError(err).Warn("failed to encode status report")
		return
	}

	b, err := bundle.Builder().
		Source(c.NodeID.String()).
		Destination(reportTo.String()).
		CreationTimestampNow().
		Lifetime("24h").
		BundleCtrlFlags(bundle.BndlCFAdministrativeRecordPayload).
		PayloadBlock(payload).
		Build()
	if err != nil {
		c.log.WithError(err).Warn("failed to build status report bundle")
		return
	}

	c.SendBundle(b)
}

// dispatch enqueues an event of any type on the dispatcher; it is the one
// place outside of EventDispatcher.Dispatch callers are expected to reach for.
func (c *Core) dispatch(e Event) {
	c.dispatcher.Dispatch(e)
}

func (c *Core) expirePendingBundles() {
	c.pending.DeleteExpired(func(bp *BundlePack) {
		c.bundleDeletion(bp, bundle.LifetimeExpired)
	})
}
