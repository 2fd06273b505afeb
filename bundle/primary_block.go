package bundle

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ugorji/go/codec"
)

// DTNVersion is the Bundle Protocol version this core speaks.
const DTNVersion uint = 7

// PrimaryBlock is a representation of a Primary Bundle Block, extended
// beyond BPv7 §4.2.2 with the custody-transfer and priority fields spec.md
// §3 requires of every admitted bundle. The wire codec for the strict BPv7
// subset of these fields is out of this core's scope (assumed to come from
// a separate codec library); this type and its CodecEncodeSelf/
// CodecDecodeSelf pair instead define the superset record this core
// persists and exchanges internally, grounded on the teacher's own
// array-based ugorji/go/codec encoding.
type PrimaryBlock struct {
	Version            uint
	BundleControlFlags BundleControlFlags
	CRCType            CRCType
	Destination        EndpointID
	SourceNode         EndpointID
	ReportTo           EndpointID
	Custodian          EndpointID
	PreviousHop        EndpointID
	CreationTimestamp  CreationTimestamp
	Lifetime           uint // microseconds
	Priority           PriorityClass
	ECOS               *ExtendedClassOfService
	FragmentOffset     uint
	TotalDataLength    uint
	CRC                uint
}

// NewPrimaryBlock creates a new PrimaryBlock with the given parameters. All
// other fields are set to default values.
func NewPrimaryBlock(bundleControlFlags BundleControlFlags,
	destination EndpointID, sourceNode EndpointID,
	creationTimestamp CreationTimestamp, lifetime uint) PrimaryBlock {
	return PrimaryBlock{
		Version:            DTNVersion,
		BundleControlFlags: bundleControlFlags,
		CRCType:            CRCNo,
		Destination:        destination,
		SourceNode:         sourceNode,
		ReportTo:           DtnNone(),
		Custodian:          DtnNone(),
		PreviousHop:        DtnNone(),
		CreationTimestamp:  creationTimestamp,
		Lifetime:           lifetime,
		Priority:           PriorityNormal,
		FragmentOffset:     0,
		TotalDataLength:    0,
		CRC:                0,
	}
}

// HasFragmentation returns if the Bundle Processing Control Flags indicates a
// fragmented bundle. In this case the FragmentOffset and TotalDataLength fields
// of this struct should become relevant.
func (pb PrimaryBlock) HasFragmentation() bool {
	return pb.BundleControlFlags.Has(BndlCFBundleIsAFragment)
}

// HasCRC returns if the CRCType indicates a CRC present for this block. In
// this case the CRC field of this struct should become relevant.
func (pb PrimaryBlock) HasCRC() bool {
	return pb.CRCType != CRCNo
}

// IsLifetimeExceeded reports whether this bundle's creation time plus its
// lifetime has already passed wall-clock time.
func (pb PrimaryBlock) IsLifetimeExceeded() bool {
	created := pb.CreationTimestamp.DtnTime().Time()
	expires := created.Add(microseconds(pb.Lifetime))
	return DtnTimeNow().Time().After(expires)
}

func (pb PrimaryBlock) CodecEncodeSelf(enc *codec.Encoder) {
	var blockArr = []interface{}{
		pb.Version,
		pb.BundleControlFlags,
		pb.CRCType,
		pb.Destination,
		pb.SourceNode,
		pb.ReportTo,
		pb.Custodian,
		pb.PreviousHop,
		pb.CreationTimestamp,
		pb.Lifetime,
		pb.Priority,
	}

	if pb.ECOS != nil {
		blockArr = append(blockArr, true, pb.ECOS.Critical, pb.ECOS.Ordinal, pb.ECOS.FlowLabel)
	} else {
		blockArr = append(blockArr, false)
	}

	if pb.HasFragmentation() {
		blockArr = append(blockArr, pb.FragmentOffset, pb.TotalDataLength)
	}

	if pb.HasCRC() {
		blockArr = append(blockArr, pb.CRC)
	}

	enc.MustEncode(blockArr)
}

// decodeEndpoints decodes the five defined EndpointIDs. This method is
// called from CodecDecodeSelf.
func (pb *PrimaryBlock) decodeEndpoints(blockArr []interface{}) {
	endpoints := []struct {
		pos     int
		pointer *EndpointID
	}{
		{3, &pb.Destination},
		{4, &pb.SourceNode},
		{5, &pb.ReportTo},
		{6, &pb.Custodian},
		{7, &pb.PreviousHop},
	}

	for _, ep := range endpoints {
		var arr []interface{} = blockArr[ep.pos].([]interface{})

		(*ep.pointer).SchemeName = uint(arr[0].(uint64))
		(*ep.pointer).SchemeSpecificPort = arr[1]

		// The codec library uses uint64 internally but our `dtn:none` is defined
		// by a more generic uint. In case of an `dtn:none` endpoint we have to
		// switch the type.
		if ty := reflect.TypeOf((*ep.pointer).SchemeSpecificPort); ty.Kind() == reflect.Uint64 {
			(*ep.pointer).SchemeSpecificPort = uint((*ep.pointer).SchemeSpecificPort.(uint64))
		}
	}
}

// decodeCreationTimestamp decodes the CreationTimestamp. This method is called
// from CodecDecodeSelf.
func (pb *PrimaryBlock) decodeCreationTimestamp(blockArr []interface{}) {
	for i := 0; i <= 1; i++ {
		pb.CreationTimestamp[i] = uint((blockArr[8].([]interface{}))[i].(uint64))
	}
}

func (pb *PrimaryBlock) CodecDecodeSelf(dec *codec.Decoder) {
	var blockArrPt = new([]interface{})
	dec.MustDecode(blockArrPt)

	var blockArr = *blockArrPt

	if len(blockArr) < 12 {
		panic("blockArr has wrong length (< 12)")
	}

	pb.decodeEndpoints(blockArr)
	pb.decodeCreationTimestamp(blockArr)

	pb.Version = uint(blockArr[0].(uint64))
	pb.BundleControlFlags = BundleControlFlags(blockArr[1].(uint64))
	pb.CRCType = CRCType(blockArr[2].(uint64))
	pb.Lifetime = uint(blockArr[9].(uint64))
	pb.Priority = PriorityClass(blockArr[10].(uint64))

	pos := 11
	if hasEcos, _ := blockArr[pos].(bool); hasEcos {
		pb.ECOS = &ExtendedClassOfService{
			Critical:  blockArr[pos+1].(bool),
			Ordinal:   uint(blockArr[pos+2].(uint64)),
			FlowLabel: uint(blockArr[pos+3].(uint64)),
		}
		pos += 4
	} else {
		pb.ECOS = nil
		pos += 1
	}

	if pb.HasFragmentation() {
		pb.FragmentOffset = uint(blockArr[pos].(uint64))
		pb.TotalDataLength = uint(blockArr[pos+1].(uint64))
		pos += 2
	}

	if pb.HasCRC() {
		pb.CRC = uint(blockArr[pos].(uint64))
	}
}

func (pb PrimaryBlock) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "version: %d, ", pb.Version)
	fmt.Fprintf(&b, "bundle processing control flags: %v, ", pb.BundleControlFlags)
	fmt.Fprintf(&b, "crc type: %v, ", pb.CRCType)
	fmt.Fprintf(&b, "destination: %v, ", pb.Destination)
	fmt.Fprintf(&b, "source node: %v, ", pb.SourceNode)
	fmt.Fprintf(&b, "report to: %v, ", pb.ReportTo)
	fmt.Fprintf(&b, "custodian: %v, ", pb.Custodian)
	fmt.Fprintf(&b, "creation timestamp: %v, ", pb.CreationTimestamp)
	fmt.Fprintf(&b, "lifetime: %d, ", pb.Lifetime)
	fmt.Fprintf(&b, "priority: %v", pb.Priority)

	if pb.HasFragmentation() {
		fmt.Fprintf(&b, ", fragment offset: %d, ", pb.FragmentOffset)
		fmt.Fprintf(&b, "total data length: %d", pb.TotalDataLength)
	}

	if pb.HasCRC() {
		fmt.Fprintf(&b, ", crc: %x", pb.CRC)
	}

	return b.String()
}
