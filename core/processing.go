package core

import (
	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bundle"
)

// SendBundle admits a locally-originated, outbound bundle and starts its
// transmission. It is the entry point registrations and the external
// router use to inject traffic.
func (c *Core) SendBundle(b bundle.Bundle) {
	bp := NewBundlePack(b, c.NodeID)
	c.transmit(bp)
}

// transmit starts the transmission of an outbound bundle pack. The
// bundle's source must be dtn:none or a local endpoint (§4.4's admission
// rule for self-originated traffic).
func (c *Core) transmit(bp *BundlePack) {
	c.log.WithField("bundle", bp.Bundle).Debug("transmission requested")

	bp.AddConstraint(DispatchPending)
	if !c.pending.Insert(bp) {
		c.log.WithField("bundle", bp.Bundle).Warn("GBoF-id collision on transmit, dropping second admission")
		return
	}
	if c.store != nil {
		if err := c.store.Push(bp); err != nil {
			c.log.WithError(err).Warn("failed to persist outbound bundle")
		} else if bundleID, ok := c.store.BundleID(bp.ID()); ok {
			c.pending.BindBundleID(bp.ID(), bundleID)
		}
	}

	src := bp.Bundle.PrimaryBlock.SourceNode
	if !src.IsDtnNone() && !c.HasEndpoint(src) {
		c.log.WithFields(logrus.Fields{"bundle": bp.Bundle, "source": src}).
			Warn("bundle's source is neither dtn:none nor a local endpoint")
		c.bundleDeletion(bp, bundle.NoInformation)
		return
	}

	c.dispatching(bp)
}

// receive handles a bundle arriving from a convergence layer or the
// external router. Per invariant I4, a GBoF-id already present in the
// Pending Index is silently dropped rather than re-admitted.
func (c *Core) receive(bp *BundlePack) {
	c.log.WithField("bundle", bp.Bundle).Debug("received new bundle")

	if c.store != nil && c.store.Contains(bp.ID()) {
		c.log.WithField("bundle", bp.Bundle).Debug("bundle is already known, dropping duplicate")
		return
	}

	bp.AddConstraint(DispatchPending)
	if !c.pending.Insert(bp) {
		c.log.WithField("bundle", bp.Bundle).Debug("GBoF-id already pending, dropping duplicate")
		return
	}
	if c.store != nil {
		if err := c.store.Push(bp); err != nil {
			c.log.WithError(err).Warn("failed to persist received bundle")
		} else if bundleID, ok := c.store.BundleID(bp.ID()); ok {
			c.pending.BindBundleID(bp.ID(), bundleID)
		}
	}

	if bp.Bundle.PrimaryBlock.BundleControlFlags.Has(bundle.BndlCFStatusRequestReception) {
		c.SendStatusReport(bp, bundle.ReceivedBundle, bundle.NoInformation)
	}

	if bp.Bundle.PrimaryBlock.BundleControlFlags.Has(bundle.BndlCFCustodyRequested) && c.custody != nil {
		c.custody.Accept(bp)
		bp.AddConstraint(CustodyAccepted)
	}

	for i := len(bp.Bundle.CanonicalBlocks) - 1; i >= 0; i-- {
		cb := bp.Bundle.CanonicalBlocks[i]

		if bundle.IsKnownBlockType(cb.BlockType) {
			continue
		}

		c.log.WithFields(logrus.Fields{"bundle": bp.Bundle, "block_type": cb.BlockType}).
			Debug("bundle carries an unknown canonical block")

		if cb.BlockControlFlags.Has(bundle.StatusReportBlock) {
			c.SendStatusReport(bp, bundle.ReceivedBundle, bundle.BlockUnintelligible)
		}

		if cb.BlockControlFlags.Has(bundle.DeleteBundle) {
			c.bundleDeletion(bp, bundle.BlockUnintelligible)
			return
		}

		if cb.BlockControlFlags.Has(bundle.RemoveBlock) {
			bp.Bundle.CanonicalBlocks = append(
				bp.Bundle.CanonicalBlocks[:i], bp.Bundle.CanonicalBlocks[i+1:]...)
		}
	}

	c.dispatching(bp)
}

// dispatching decides between local delivery and forwarding.
func (c *Core) dispatching(bp *BundlePack) {
	c.log.WithField("bundle", bp.Bundle).Debug("dispatching bundle")

	if c.HasEndpoint(bp.Bundle.PrimaryBlock.Destination) {
		c.localDelivery(bp)
	} else {
		c.forward(bp)
	}
}

// forward hands a bundle pack to the Forwarding Engine.
func (c *Core) forward(bp *BundlePack) {
	c.log.WithField("bundle", bp.Bundle).Debug("bundle will be forwarded")

	bp.AddConstraint(ForwardPending)
	bp.RemoveConstraint(DispatchPending)

	if hcBlock, err := bp.Bundle.ExtensionBlock(bundle.HopCountBlock); err == nil {
		hc := hcBlock.Data.(bundle.HopCount)
		hc.Increment()
		hcBlock.Data = hc

		if hc.IsExceeded() {
			c.log.WithField("bundle", bp.Bundle).Debug("hop count exceeded")
			c.bundleDeletion(bp, bundle.HopLimitExceeded)
			return
		}
	}

	if bp.Bundle.PrimaryBlock.IsLifetimeExceeded() {
		c.bundleDeletion(bp, bundle.LifetimeExpired)
		return
	}

	if c.forwarding == nil {
		c.bundleContraindicated(bp)
		return
	}

	sent, deleteAfterwards := c.forwarding.Forward(bp)
	if !sent {
		c.log.WithField("bundle", bp.Bundle).Debug("failed to forward bundle")
		c.bundleContraindicated(bp)
		return
	}

	if bp.Bundle.PrimaryBlock.BundleControlFlags.Has(bundle.BndlCFStatusRequestForward) {
		c.SendStatusReport(bp, bundle.ForwardedBundle, bundle.NoInformation)
	}

	if deleteAfterwards {
		c.purgeAndStore(bp)
	} else if c.InspectAllBundles && bp.Bundle.IsAdministrativeRecord() {
		c.bundleContraindicated(bp)
		c.checkAdministrativeRecord(bp)
	}
}

// checkAdministrativeRecord decodes and inspects an administrative record
// payload. It returns false when the payload decodes neither as a status
// report nor as a record the custodian recognizes.
func (c *Core) checkAdministrativeRecord(bp *BundlePack) bool {
	if !bp.Bundle.IsAdministrativeRecord() {
		return false
	}

	payload, err := bp.Bundle.PayloadBlock()
	if err != nil {
		c.log.WithError(err).Warn("administrative record bundle is missing its payload")
		return false
	}

	data, ok := payload.Data.([]byte)
	if !ok {
		c.log.WithField("bundle", bp.Bundle).Warn("administrative record payload is not raw bytes")
		return false
	}

	ar, err := bundle.NewAdministrativeRecordFromCbor(data)
	if err != nil {
		if c.custody != nil && c.custody.HandleRawRecord(data) {
			c.log.WithField("bundle", bp.Bundle).Debug("administrative record handled by custodian")
			return true
		}
		c.log.WithError(err).Warn("failed to parse administrative record")
		return false
	}

	c.log.WithFields(logrus.Fields{"bundle": bp.Bundle, "record": ar}).
		Debug("received administrative record")
	c.inspectStatusReport(ar)

	return true
}

func (c *Core) inspectStatusReport(ar bundle.AdministrativeRecord) {
	sr, ok := ar.(bundle.StatusReport)
	if !ok {
		if c.custody != nil {
			c.custody.HandleSignal(ar)
		}
		return
	}

	sips := sr.StatusInformations()
	if len(sips) == 0 {
		return
	}

	bp, ok := c.pending.Lookup(sr.RefBundle)
	if !ok {
		c.log.WithField("ref", sr.RefBundle).Debug("status report refers to an unknown bundle")
		return
	}

	for _, sip := range sips {
		switch sip {
		case bundle.DeliveredBundle:
			c.purgeAndStore(bp)
		default:
			c.log.WithFields(logrus.Fields{"ref": sr.RefBundle, "status": sip}).Debug("status report received")
		}
	}
}

// localDelivery delivers a bundle to every matching local registration.
func (c *Core) localDelivery(bp *BundlePack) {
	c.log.WithField("bundle", bp.Bundle).Debug("delivering bundle locally")

	if bp.Bundle.IsAdministrativeRecord() {
		if !c.checkAdministrativeRecord(bp) {
			c.bundleDeletion(bp, bundle.NoInformation)
			return
		}
	}

	bp.AddConstraint(LocalEndpoint)

	if c.registrations != nil {
		if err := c.registrations.Deliver(bp.Bundle.PrimaryBlock.Destination, bp.Bundle); err != nil {
			c.log.WithError(err).Warn("local delivery failed")
		}
	}

	if c.routing != nil {
		c.routing.NotifyIncoming(bp)
	}

	if bp.Bundle.PrimaryBlock.BundleControlFlags.Has(bundle.BndlCFStatusRequestDelivery) {
		c.SendStatusReport(bp, bundle.DeliveredBundle, bundle.NoInformation)
	}

	c.purgeAndStore(bp)
}

func (c *Core) bundleContraindicated(bp *BundlePack) {
	c.log.WithField("bundle", bp.Bundle).Debug("bundle marked contraindicated")
	bp.AddConstraint(Contraindicated)
}

// bundleDeletion purges every constraint from a pack, removing it from the
// Pending Index, optionally after sending a deletion status report.
func (c *Core) bundleDeletion(bp *BundlePack, reason bundle.StatusReportReason) {
	if bp.Bundle.PrimaryBlock.BundleControlFlags.Has(bundle.BndlCFStatusRequestDeletion) {
		c.SendStatusReport(bp, bundle.DeletedBundle, reason)
	}

	c.purgeAndStore(bp)
	c.log.WithField("bundle", bp.Bundle).Debug("bundle marked for deletion")
}

// purgeAndStore clears every constraint and, once none remain, removes the
// pack from the Pending Index and the durable store.
func (c *Core) purgeAndStore(bp *BundlePack) {
	for constraint := range bp.Constraints {
		bp.RemoveConstraint(constraint)
	}

	if !bp.HasConstraints() {
		c.pending.Remove(bp.ID())
		if c.store != nil {
			if err := c.store.Remove(bp.ID()); err != nil {
				c.log.WithError(err).Warn("failed to remove bundle from store")
			}
		}
	}
}

// handleEvent is the EventDispatcher's single handler, the only place
// Pending Index/Registration Table/Custody Manager state is mutated from.
func (c *Core) handleEvent(e Event) {
	switch e.Type {
	case EventBundleReceived:
		if e.Bundle != nil {
			c.receive(NewBundlePack(*e.Bundle, c.NodeID))
		}
	case EventACSFlushRequested:
		if c.custody != nil {
			c.custody.FlushACS()
		}
	case EventCustodySignalReceived:
		if id, ok := e.Signal.(bundle.GBoFId); ok {
			c.dischargeCustody(id)
		}
	case EventBundleCancelRequested:
		if id, ok := e.Signal.(bundle.GBoFId); ok {
			if bp, ok := c.pending.Lookup(id); ok {
				c.bundleDeletion(bp, bundle.NoInformation)
			}
		}
	default:
		c.log.WithField("event", e).Debug("unhandled event")
	}
}

// dischargeCustody clears the CustodyAccepted constraint a bundle was
// carrying and purges it once no constraint remains. It must only run on
// the dispatcher goroutine; callers outside handleEvent go through
// DischargeCustody instead.
func (c *Core) dischargeCustody(id bundle.GBoFId) {
	bp, ok := c.pending.Lookup(id)
	if !ok {
		return
	}
	bp.RemoveConstraint(CustodyAccepted)
	if !bp.HasConstraints() {
		c.purgeAndStore(bp)
	}
}

// DischargeCustody notifies Core that custody of id has been discharged,
// e.g. because an Aggregate Custody Signal acknowledged it, it expired
// before acknowledgement, or it was delivered locally under custody. The
// Custody Manager calls this from custody.CustodyNotifier; since it may run
// on the manager's own retry/expiry goroutine rather than the dispatcher's,
// it always goes through the event queue rather than touching the Pending
// Index directly (§4.1, §5).
func (c *Core) DischargeCustody(id bundle.GBoFId) {
	c.dispatch(Event{Type: EventCustodySignalReceived, Signal: id})
}

// DispatchReceived enqueues a received bundle for dispatcher-owned
// processing. Convergence-layer receivers and the IPC/external-router
// ingress paths call this instead of receive directly, keeping every
// mutation on the dispatcher goroutine.
func (c *Core) DispatchReceived(b bundle.Bundle) {
	c.dispatch(Event{Type: EventBundleReceived, Bundle: &b})
}

// RequestACSFlush asks the dispatcher to flush any pending aggregate
// custody signals on its next pass, e.g. in response to SIGHUP.
func (c *Core) RequestACSFlush() {
	c.dispatch(Event{Type: EventACSFlushRequested})
}

// CancelBundle asks the dispatcher to best-effort cancel a still-pending
// bundle, for the IPC cancel_bundle request (through CancelBundleByID) and
// the external router's cancel-bundle command (§4.7, §4.8). It is a no-op if the bundle has
// already left the Pending Index by the time the event is processed.
func (c *Core) CancelBundle(id bundle.GBoFId) {
	c.dispatch(Event{Type: EventBundleCancelRequested, Signal: id})
}

// CancelBundleByID resolves a Bundle Store bundle-id to its pending
// GBoF-id and requests its cancellation, the IPC cancel_bundle request's
// entry point into CancelBundle (§4.8's `cancel(bundle-id)`, distinct from
// the registration-scoped recv/peek interrupt IPC's plain "cancel" request
// performs). It reports whether the bundle-id was still pending.
func (c *Core) CancelBundleByID(bundleID uint64) bool {
	bp, ok := c.pending.LookupByBundleID(bundleID)
	if !ok {
		return false
	}
	c.CancelBundle(bp.ID())
	return true
}
