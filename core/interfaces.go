package core

import "github.com/dtn7/bpcore/bundle"

// The concrete Bundle Store, Custody Manager, Forwarding Engine and
// Registration Table all live in their own packages and import core for
// BundlePack; core in turn only depends on these narrow interfaces so it
// never imports back down into them. Wiring happens once, in
// cmd/bpagentd, the way the teacher's own Core is assembled by its main
// package.

// Store is the durable Bundle Store (storage.BundleStore satisfies this).
type Store interface {
	Push(bp *BundlePack) error
	Contains(id bundle.GBoFId) bool
	Remove(id bundle.GBoFId) error
	// BundleID returns the locally-assigned, persistent bundle-id for a
	// GBoF-id, once Push has admitted it. Core uses this to bind a
	// Pending Index entry to its bundle-id (§4.3's lookup(id)/remove(id)).
	BundleID(id bundle.GBoFId) (uint64, bool)
}

// Custodian is the Custody Manager (custody.Manager satisfies this).
type Custodian interface {
	Accept(bp *BundlePack)
	HandleSignal(ar bundle.AdministrativeRecord)
	FlushACS()

	// HandleRawRecord is the fallback path for administrative record
	// payloads bundle.NewAdministrativeRecordFromCbor could not decode,
	// i.e. everything that isn't a status report. The Aggregate Custody
	// Signal wire format (§4.5) carries its own leading marker byte rather
	// than reusing bundle.ARTypeCode, so it never decodes as a
	// bundle.AdministrativeRecord in the first place; this is where a
	// custodian gets first look at the raw payload instead. It reports
	// whether it recognized and handled the record.
	HandleRawRecord(data []byte) bool
}

// Sender is a single outbound transmission path to a peer, e.g. a
// convergence-layer sender or an external router relay.
type Sender interface {
	Send(b bundle.Bundle) error
	Address() string
	Close() error
}

// RoutingAlgorithm picks senders for a bundle pack when no direct delivery
// path is known, per §4.6. ok is false when no path could be found at all
// (the pack should be contraindicated); deleteAfterwards tells the caller
// whether the pack can be purged once every selected sender has been tried
// (false for algorithms that keep a copy around for further replication,
// e.g. epidemic routing).
type RoutingAlgorithm interface {
	SenderForBundle(bp *BundlePack) (senders []Sender, deleteAfterwards bool)
	NotifyIncoming(bp *BundlePack)
}

// Forwarder is the Forwarding Engine (forwarding.Engine satisfies this).
type Forwarder interface {
	Forward(bp *BundlePack) (sent bool, deleteAfterwards bool)
}

// RegistrationDeliverer is the Registration Table's delivery half
// (registration.Table satisfies this).
type RegistrationDeliverer interface {
	HasEndpoint(eid bundle.EndpointID) bool
	Deliver(eid bundle.EndpointID, b bundle.Bundle) error
}
