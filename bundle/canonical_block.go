package bundle

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

// CanonicalBlockType identifies the kind of data a CanonicalBlock carries.
type CanonicalBlockType uint

const (
	PayloadBlock       CanonicalBlockType = 1
	PreviousNodeBlock  CanonicalBlockType = 6
	BundleAgeBlock     CanonicalBlockType = 7
	HopCountBlock      CanonicalBlockType = 10
	AdministrativeRecordBlock CanonicalBlockType = 1 // payload carrying an admin record shares PayloadBlock's type code

	// CustodyTransferBlock carries the current custodian's own local
	// custody-id for the in-flight transfer, grounded on the reference
	// implementation's per-bundle custodyid_ field (original_source
	// ehsrouter/EhsBundle.h). The Custody Manager stamps this on a bundle
	// it accepts custody of, so the next custodian's Aggregate Custody
	// Signal can reference the id this node actually assigned rather than
	// the one it mints for its own entry.
	CustodyTransferBlock CanonicalBlockType = 13
)

// CanonicalBlock is one block of a bundle's canonical block sequence, beyond
// the primary block: payload, hop count, previous node, bundle age, or any
// extension block registered with the block-processor table (SPEC_FULL §4.9).
type CanonicalBlock struct {
	BlockType      CanonicalBlockType
	BlockNumber    uint
	BlockControlFlags BlockControlFlags
	CRCType        CRCType
	CRC            uint
	Data           interface{}
}

// NewCanonicalBlock creates a new CanonicalBlock.
func NewCanonicalBlock(blockType CanonicalBlockType, blockNumber uint, blockCtrlFlags BlockControlFlags, data interface{}) CanonicalBlock {
	return CanonicalBlock{
		BlockType:         blockType,
		BlockNumber:       blockNumber,
		BlockControlFlags: blockCtrlFlags,
		CRCType:           CRCNo,
		Data:              data,
	}
}

func (cb CanonicalBlock) String() string {
	return fmt.Sprintf("CanonicalBlock(type=%d, number=%d, flags=%v, data=%v)",
		cb.BlockType, cb.BlockNumber, cb.BlockControlFlags, cb.Data)
}

// HopCount is the data carried by a HopCountBlock: a limit and the current
// count of hops taken.
type HopCount struct {
	Limit uint
	Count uint
}

// NewHopCount creates a new HopCount with the given limit and a zero count.
func NewHopCount(limit uint) HopCount {
	return HopCount{Limit: limit, Count: 0}
}

// Increment increases the hop count by one.
func (hc *HopCount) Increment() { hc.Count++ }

// Decrement decreases the hop count by one, not going below zero. Used by
// the Forwarding Engine to roll the increment back after a failed send
// fan-out, so a bundle retried on another link is not double-counted.
func (hc *HopCount) Decrement() {
	if hc.Count > 0 {
		hc.Count--
	}
}

// IsExceeded reports whether the hop count has gone past its limit (a count
// equal to the limit is not yet exceeded).
func (hc HopCount) IsExceeded() bool { return hc.Count > hc.Limit }

func (hc HopCount) String() string {
	return fmt.Sprintf("%d/%d", hc.Count, hc.Limit)
}

// blockProcessor is a capability set for one CanonicalBlockType, mirroring
// the reference implementation's block-processor method table (consume,
// prepare, generate, validate, format) but reduced to the two functions this
// core actually needs, per spec.md §9's "Block-processor table" note.
type blockProcessor struct {
	marshal   func(data interface{}, enc *codec.Encoder) error
	unmarshal func(dec *codec.Decoder) (interface{}, error)
}

var blockProcessors = map[CanonicalBlockType]blockProcessor{
	HopCountBlock: {
		marshal: func(data interface{}, enc *codec.Encoder) error {
			hc := data.(HopCount)
			enc.MustEncode([]interface{}{hc.Limit, hc.Count})
			return nil
		},
		unmarshal: func(dec *codec.Decoder) (interface{}, error) {
			var arr []interface{}
			if err := dec.Decode(&arr); err != nil {
				return nil, err
			}
			return HopCount{Limit: uint(arr[0].(uint64)), Count: uint(arr[1].(uint64))}, nil
		},
	},
	PreviousNodeBlock: {
		marshal: func(data interface{}, enc *codec.Encoder) error {
			enc.MustEncode(data.(EndpointID))
			return nil
		},
		unmarshal: func(dec *codec.Decoder) (interface{}, error) {
			var eid EndpointID
			if err := dec.Decode(&eid); err != nil {
				return nil, err
			}
			return eid, nil
		},
	},
	BundleAgeBlock: {
		marshal: func(data interface{}, enc *codec.Encoder) error {
			enc.MustEncode(data.(uint))
			return nil
		},
		unmarshal: func(dec *codec.Decoder) (interface{}, error) {
			var age uint64
			if err := dec.Decode(&age); err != nil {
				return nil, err
			}
			return uint(age), nil
		},
	},
	PayloadBlock: {
		marshal: func(data interface{}, enc *codec.Encoder) error {
			enc.MustEncode(data.([]byte))
			return nil
		},
		unmarshal: func(dec *codec.Decoder) (interface{}, error) {
			var b []byte
			if err := dec.Decode(&b); err != nil {
				return nil, err
			}
			return b, nil
		},
	},
	CustodyTransferBlock: {
		marshal: func(data interface{}, enc *codec.Encoder) error {
			enc.MustEncode(data.(uint64))
			return nil
		},
		unmarshal: func(dec *codec.Decoder) (interface{}, error) {
			var id uint64
			if err := dec.Decode(&id); err != nil {
				return nil, err
			}
			return id, nil
		},
	},
}

// RegisterBlockProcessor installs a marshal/unmarshal pair for a new
// CanonicalBlockType, so extension blocks beyond the built-in five can be
// added without editing core.receive's unknown-block handling.
func RegisterBlockProcessor(t CanonicalBlockType, marshal func(interface{}, *codec.Encoder) error, unmarshal func(*codec.Decoder) (interface{}, error)) {
	blockProcessors[t] = blockProcessor{marshal: marshal, unmarshal: unmarshal}
}

// IsKnownBlockType reports whether a block-processor is registered for t.
func IsKnownBlockType(t CanonicalBlockType) bool {
	_, ok := blockProcessors[t]
	return ok
}

// MarshalBlockData encodes data through the block-processor registered for
// t, falling back to the encoder's generic encoding for an unregistered
// type. Used by the Bundle Store (SPEC_FULL §6's persistent-record
// versioning) to persist a canonical block's typed Data field without the
// store package reaching into this one's internal registry.
func MarshalBlockData(t CanonicalBlockType, data interface{}, enc *codec.Encoder) error {
	if bp, ok := blockProcessors[t]; ok {
		return bp.marshal(data, enc)
	}
	enc.MustEncode(data)
	return nil
}

// UnmarshalBlockData decodes a canonical block's Data field through the
// block-processor registered for t, falling back to generic decoding for
// an unregistered type.
func UnmarshalBlockData(t CanonicalBlockType, dec *codec.Decoder) (interface{}, error) {
	if bp, ok := blockProcessors[t]; ok {
		return bp.unmarshal(dec)
	}
	var v interface{}
	err := dec.Decode(&v)
	return v, err
}
