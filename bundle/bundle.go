package bundle

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/howeyc/crc16"
	"github.com/ugorji/go/codec"
)

// ForwardAction is the outcome a routing decision attached to a link
// reservation, per §4.6.
type ForwardAction uint

const (
	ForwardUnicast ForwardAction = iota
	ForwardMulticast
	ForwardCopy
	ForwardDefer
)

// ForwardingLogEntry is one append-only entry in a bundle's forwarding log
// (§3 "a forwarding log of prior routing decisions").
type ForwardingLogEntry struct {
	Link   string
	Action ForwardAction
	At     time.Time
}

// Bundle is the immutable-once-admitted record of §3: primary block,
// canonical blocks (extension blocks and the payload), and a forwarding
// log. Reference counting, link reservations and custody-entry bookkeeping
// live in the core package's BundlePack wrapper, not here — this type is
// intentionally dumb data, matching the teacher's separation between
// `bundle.Bundle` and `core.BundlePack`.
type Bundle struct {
	PrimaryBlock    PrimaryBlock
	CanonicalBlocks []CanonicalBlock
	ForwardingLog   []ForwardingLogEntry
}

// NewBundle creates a new Bundle and verifies constraints given in BPv7.
func NewBundle(primary PrimaryBlock, canonicals []CanonicalBlock) (b Bundle, err error) {
	b = Bundle{
		PrimaryBlock:    primary,
		CanonicalBlocks: canonicals,
	}

	if _, payloadErr := b.PayloadBlock(); payloadErr != nil {
		err = fmt.Errorf("bundle has no payload block: %v", payloadErr)
	}

	return
}

// ID returns the bundle's GBoF-id.
func (b Bundle) ID() GBoFId {
	return NewGBoFId(b.PrimaryBlock)
}

// ExtensionBlock returns the first CanonicalBlock of the given type.
func (b Bundle) ExtensionBlock(blockType CanonicalBlockType) (*CanonicalBlock, error) {
	for i := range b.CanonicalBlocks {
		if b.CanonicalBlocks[i].BlockType == blockType {
			return &b.CanonicalBlocks[i], nil
		}
	}
	return nil, fmt.Errorf("no such block type %d", blockType)
}

// PayloadBlock returns the bundle's payload block.
func (b Bundle) PayloadBlock() (*CanonicalBlock, error) {
	return b.ExtensionBlock(PayloadBlock)
}

// AddExtensionBlock appends a canonical block to the bundle.
func (b *Bundle) AddExtensionBlock(cb CanonicalBlock) {
	b.CanonicalBlocks = append(b.CanonicalBlocks, cb)
}

// IsAdministrativeRecord reports whether this bundle's payload carries an
// administrative record (e.g. a status report) rather than application data.
func (b Bundle) IsAdministrativeRecord() bool {
	return b.PrimaryBlock.BundleControlFlags.Has(BndlCFAdministrativeRecordPayload)
}

// SetCRCType sets the CRC type on the primary block and every canonical
// block, mirroring the teacher's BundleBuilder.Build behaviour.
func (b *Bundle) SetCRCType(t CRCType) {
	b.PrimaryBlock.CRCType = t
	for i := range b.CanonicalBlocks {
		b.CanonicalBlocks[i].CRCType = t
	}
}

// CalculateCRC computes and stores the CRC for the primary block and every
// canonical block that has a CRCType other than CRCNo. Only CRC16 is
// supported, using the pack's howeyc/crc16 library; CRC32's wire form is
// left to the external bundle codec this core otherwise delegates to.
func (b *Bundle) CalculateCRC() {
	if b.PrimaryBlock.HasCRC() {
		b.PrimaryBlock.CRC = uint(crcOf(b.PrimaryBlock.CRCType, primaryBlockCRCInput(b.PrimaryBlock)))
	}

	for i := range b.CanonicalBlocks {
		cb := &b.CanonicalBlocks[i]
		if cb.CRCType != CRCNo {
			cb.CRC = uint(crcOf(cb.CRCType, canonicalBlockCRCInput(*cb)))
		}
	}
}

// crcOf computes a checksum for the given bytes according to t. CRC32 is
// reduced to CRC16 numerically here (this core never emits CRC32 bundles on
// the wire itself, see CalculateCRC's doc comment); it exists so a CRCType
// set by a caller does not panic.
func crcOf(t CRCType, data []byte) uint16 {
	switch t {
	case CRC16, CRC32:
		return crc16.Checksum(data, crc16.CCITTFalseTable)
	default:
		return 0
	}
}

func primaryBlockCRCInput(pb PrimaryBlock) []byte {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, new(codec.CborHandle))
	_ = enc.Encode(pb.Destination)
	_ = enc.Encode(pb.SourceNode)
	_ = enc.Encode(pb.CreationTimestamp)
	return buf.Bytes()
}

func canonicalBlockCRCInput(cb CanonicalBlock) []byte {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, new(codec.CborHandle))
	_ = enc.Encode(cb.BlockType)
	_ = enc.Encode(cb.BlockNumber)
	return buf.Bytes()
}

func (b Bundle) String() string {
	return fmt.Sprintf("bundle(%v)", b.ID())
}

// MarshalCbor writes the full persistent record for b: the primary block
// (via its own CodecEncodeSelf), the canonical block sequence (each block's
// Data marshalled through the block-processor registry), and the
// forwarding log. This is the Bundle Store's on-disk record shape (§4.2,
// §6's persistent-record versioning), not a BPv7 wire encoding — the bundle
// block codec itself remains out of this core's scope per spec.md §1.
func (b Bundle) MarshalCbor(w io.Writer) error {
	enc := codec.NewEncoder(w, new(codec.CborHandle))

	enc.MustEncode(b.PrimaryBlock)
	enc.MustEncode(uint(len(b.CanonicalBlocks)))

	for _, cb := range b.CanonicalBlocks {
		enc.MustEncode([]interface{}{cb.BlockType, cb.BlockNumber, cb.BlockControlFlags, cb.CRCType, cb.CRC})
		if err := MarshalBlockData(cb.BlockType, cb.Data, enc); err != nil {
			return fmt.Errorf("canonical block %d: %w", cb.BlockNumber, err)
		}
	}

	enc.MustEncode(uint(len(b.ForwardingLog)))
	for _, fl := range b.ForwardingLog {
		enc.MustEncode([]interface{}{fl.Link, fl.Action, fl.At.UnixNano()})
	}

	return nil
}

// UnmarshalBundleCbor decodes a record produced by Bundle.MarshalCbor.
func UnmarshalBundleCbor(r io.Reader) (Bundle, error) {
	dec := codec.NewDecoder(r, new(codec.CborHandle))

	var pb PrimaryBlock
	if err := dec.Decode(&pb); err != nil {
		return Bundle{}, fmt.Errorf("primary block: %w", err)
	}

	var nBlocks uint64
	if err := dec.Decode(&nBlocks); err != nil {
		return Bundle{}, fmt.Errorf("canonical block count: %w", err)
	}

	canonicals := make([]CanonicalBlock, 0, nBlocks)
	for i := uint64(0); i < nBlocks; i++ {
		var head []interface{}
		if err := dec.Decode(&head); err != nil {
			return Bundle{}, fmt.Errorf("canonical block %d header: %w", i, err)
		}
		if len(head) != 5 {
			return Bundle{}, fmt.Errorf("canonical block %d header has wrong field count", i)
		}

		blockType := CanonicalBlockType(head[0].(uint64))
		data, err := UnmarshalBlockData(blockType, dec)
		if err != nil {
			return Bundle{}, fmt.Errorf("canonical block %d data: %w", i, err)
		}

		canonicals = append(canonicals, CanonicalBlock{
			BlockType:         blockType,
			BlockNumber:       uint(head[1].(uint64)),
			BlockControlFlags: BlockControlFlags(head[2].(uint64)),
			CRCType:           CRCType(head[3].(uint64)),
			CRC:               uint(head[4].(uint64)),
			Data:              data,
		})
	}

	var nLog uint64
	if err := dec.Decode(&nLog); err != nil {
		return Bundle{}, fmt.Errorf("forwarding log count: %w", err)
	}

	logEntries := make([]ForwardingLogEntry, 0, nLog)
	for i := uint64(0); i < nLog; i++ {
		var arr []interface{}
		if err := dec.Decode(&arr); err != nil {
			return Bundle{}, fmt.Errorf("forwarding log entry %d: %w", i, err)
		}
		logEntries = append(logEntries, ForwardingLogEntry{
			Link:   arr[0].(string),
			Action: ForwardAction(arr[1].(uint64)),
			At:     time.Unix(0, int64(arr[2].(uint64))),
		})
	}

	return Bundle{PrimaryBlock: pb, CanonicalBlocks: canonicals, ForwardingLog: logEntries}, nil
}
