package externalrouter

import (
	"bytes"
	"time"

	"github.com/ugorji/go/codec"
)

// Payloads use a plain CBOR handle, as the rest of this core does
// (storage/, ipc/), with message structs encoded as CBOR maps keyed by
// field name: a schema-validated equivalent to the XML framing
// sketched in spec.md §4.7, rather than a second wire format.
var cborHandle = new(codec.CborHandle)

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), cborHandle)
	return dec.Decode(v)
}

// BundleRecord is one bundle's externally-visible state, as carried in a
// snapshot or a bundle-admitted event.
type BundleRecord struct {
	GBoF        string
	Source      string
	Destination string
	Size        int
	Lifetime    time.Duration
	Custodian   string
}

// LinkRecord is one convergence-layer link's externally-visible state.
type LinkRecord struct {
	ID          string
	State       string
	Enabled     bool
	BitRateCaps uint64
}

// ContactRecord is one scheduled or active contact window.
type ContactRecord struct {
	LinkID string
	Start  time.Time
	End    time.Time
}

// Snapshot is a full state report: every bundle, link and contact this
// agent currently knows about. notInResyncReport bookkeeping (§4.7's
// resync discipline) lives in Channel, not in this wire record.
type Snapshot struct {
	Bundles  []BundleRecord
	Links    []LinkRecord
	Contacts []ContactRecord
}

// EventKind distinguishes the incremental events of §4.7(b).
type EventKind uint8

const (
	EventBundleAdmitted EventKind = iota
	EventBundleFreed
	EventBundleTransmitted
	EventLinkUp
	EventLinkDown
	EventContactChanged
	EventACSObserved
)

// Event is one incremental state-change notification.
type Event struct {
	Kind   EventKind
	Bundle *BundleRecord `codec:",omitempty"`
	Link   *LinkRecord   `codec:",omitempty"`
	Detail string        `codec:",omitempty"`
}

// CommandKind distinguishes the router-originated commands of §4.7(c).
type CommandKind uint8

const (
	CommandAddRoute CommandKind = iota
	CommandDeleteRoute
	CommandSetLinkEnabled
	CommandSetThrottle
	CommandForceTransmit
	CommandCancelBundle
	CommandDeleteBundleBySourceDestination
)

// Command is one router-originated instruction.
type Command struct {
	Kind        CommandKind
	LinkID      string `codec:",omitempty"`
	Enabled     bool   `codec:",omitempty"`
	BitRateCaps uint64 `codec:",omitempty"`
	GBoF        string `codec:",omitempty"`
	Source      string `codec:",omitempty"`
	Destination string `codec:",omitempty"`
}

// QueryKind distinguishes the operational queries of §4.7(d).
type QueryKind uint8

const (
	QueryBundleStatsBySourceDestination QueryKind = iota
	QueryStorageQuota
)

// Query is one operational read request from the router.
type Query struct {
	Kind        QueryKind
	Source      string `codec:",omitempty"`
	Destination string `codec:",omitempty"`
}

// TrafficCounters is the (received, transmitted, bytes-received,
// bytes-transmitted) tuple §4.7's statistics interval tracks per
// source-destination pair and per link.
type TrafficCounters struct {
	Received         uint64
	Transmitted      uint64
	BytesReceived    uint64
	BytesTransmitted uint64
}

// QueryResult answers a Query: either traffic counters for a
// source-destination pair (cumulative and since-last-read) or storage
// quota figures.
type QueryResult struct {
	Kind            QueryKind
	Cumulative      TrafficCounters `codec:",omitempty"`
	Interval        TrafficCounters `codec:",omitempty"`
	QuotaBytes      uint64          `codec:",omitempty"`
	UsedBytes       uint64          `codec:",omitempty"`
}
