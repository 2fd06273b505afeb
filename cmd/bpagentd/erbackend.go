package main

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
	"github.com/dtn7/bpcore/externalrouter"
	"github.com/dtn7/bpcore/forwarding"
	"github.com/dtn7/bpcore/storage"
)

// externalRouterBackend adapts Core/Store/the Forwarding Engine to
// externalrouter.Backend, the seam the external router channel (§4.7)
// uses for snapshots, commands and queries. No type in those packages
// implements this on its own since each only knows its own slice of
// state; cmd/bpagentd is where they're assembled, the way the teacher's
// own daemon wiring lives in main rather than in any one package.
type externalRouterBackend struct {
	core   *core.Core
	store  *storage.Store
	engine *forwarding.Engine
	stats  *externalrouter.StatsTracker
	log    logrus.FieldLogger
}

func newExternalRouterBackend(c *core.Core, store *storage.Store, engine *forwarding.Engine, log logrus.FieldLogger) *externalRouterBackend {
	return &externalRouterBackend{
		core:   c,
		store:  store,
		engine: engine,
		stats:  externalrouter.NewStatsTracker(),
		log:    log,
	}
}

var _ externalrouter.Backend = (*externalRouterBackend)(nil)

func (b *externalRouterBackend) Snapshot() externalrouter.Snapshot {
	snap := externalrouter.Snapshot{}

	bundles, err := b.store.Enumerate()
	if err != nil {
		b.log.WithError(err).Warn("external router snapshot: failed to enumerate store")
	}
	for _, bndl := range bundles {
		snap.Bundles = append(snap.Bundles, bundleRecordOf(bndl))
	}

	for _, l := range b.engine.Links() {
		snap.Links = append(snap.Links, linkRecordOf(l))
		if c, ok := l.CurrentContact(); ok {
			snap.Contacts = append(snap.Contacts, externalrouter.ContactRecord{
				LinkID: l.ID,
				Start:  c.StartedAt,
				End:    c.StartedAt.Add(c.Expected),
			})
		}
	}

	return snap
}

func bundleRecordOf(b bundle.Bundle) externalrouter.BundleRecord {
	size := 0
	if payload, err := b.PayloadBlock(); err == nil {
		if data, ok := payload.Data.([]byte); ok {
			size = len(data)
		}
	}
	pb := b.PrimaryBlock
	return externalrouter.BundleRecord{
		GBoF:        b.ID().String(),
		Source:      pb.SourceNode.String(),
		Destination: pb.Destination.String(),
		Size:        size,
		Lifetime:    time.Duration(pb.Lifetime) * time.Microsecond,
		Custodian:   pb.Custodian.String(),
	}
}

func linkRecordOf(l *forwarding.Link) externalrouter.LinkRecord {
	return externalrouter.LinkRecord{
		ID:          l.ID,
		State:       l.State().String(),
		Enabled:     l.State() != forwarding.LinkUnavailable,
		BitRateCaps: l.BitRateCap(),
	}
}

func (b *externalRouterBackend) ApplyCommand(cmd externalrouter.Command) error {
	switch cmd.Kind {
	case externalrouter.CommandSetLinkEnabled:
		if cmd.Enabled {
			b.engine.SetLinkState(cmd.LinkID, forwarding.LinkAvailable)
		} else {
			b.engine.SetLinkState(cmd.LinkID, forwarding.LinkUnavailable)
		}
		return nil

	case externalrouter.CommandSetThrottle:
		if l, ok := b.engine.Link(cmd.LinkID); ok {
			l.SetBitRateCap(cmd.BitRateCaps)
		}
		return nil

	case externalrouter.CommandCancelBundle:
		if gbof, ok := b.core.FindPendingByString(cmd.GBoF); ok {
			b.core.CancelBundle(gbof)
		}
		return nil

	case externalrouter.CommandAddRoute, externalrouter.CommandDeleteRoute:
		// The wired routing algorithm (epidemic flooding) has no concept of
		// an explicit route table to add or delete from; a routing.Algorithm
		// backed by a table-driven policy would implement this.
		b.log.WithField("command", cmd.Kind).Debug("routing algorithm does not support explicit route commands")
		return nil

	case externalrouter.CommandForceTransmit, externalrouter.CommandDeleteBundleBySourceDestination:
		b.log.WithField("command", cmd.Kind).Debug("command not yet supported by this backend")
		return nil

	default:
		return nil
	}
}

func (b *externalRouterBackend) Query(q externalrouter.Query) externalrouter.QueryResult {
	switch q.Kind {
	case externalrouter.QueryBundleStatsBySourceDestination:
		cumulative, interval := b.stats.SourceDestinationStats(q.Source, q.Destination)
		return externalrouter.QueryResult{Kind: q.Kind, Cumulative: cumulative, Interval: interval}

	case externalrouter.QueryStorageQuota:
		quota, used := b.store.QuotaStats()
		return externalrouter.QueryResult{Kind: q.Kind, QuotaBytes: quota, UsedBytes: used}

	default:
		return externalrouter.QueryResult{Kind: q.Kind}
	}
}
