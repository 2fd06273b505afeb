package bundle

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"
)

// ARTypeCode identifies the kind of administrative record carried by a
// bundle whose AdministrativeRecordPayload control flag is set.
type ARTypeCode uint

const (
	ARTypeStatusReport ARTypeCode = 1
)

// StatusReportReason is the reason code accompanying a status report or a
// bundle deletion, per BPv7 §6.1.3.
type StatusReportReason uint

const (
	NoInformation StatusReportReason = iota
	LifetimeExpired
	ForwardedOverUnidirectionalLink
	TransmissionCanceled
	DepletedStorage
	DestinationEndpointIDUnintelligible
	NoKnownRouteToDestination
	NoTimelyContactWithNextNodeOnRoute
	BlockUnintelligible
	HopLimitExceeded
)

// StatusInformationPos identifies which lifecycle event a status report bit
// refers to.
type StatusInformationPos uint

const (
	ReceivedBundle StatusInformationPos = iota
	ForwardedBundle
	DeliveredBundle
	DeletedBundle
)

// StatusReport is the administrative record sent in response to a bundle's
// status-request flags (§6).
type StatusReport struct {
	RefBundle    GBoFId
	StatusFlags  uint8
	Reason       StatusReportReason
	ReportedAt   DtnTime
}

// NewStatusReport builds a StatusReport for the given bundle and status.
func NewStatusReport(b Bundle, status StatusInformationPos, reason StatusReportReason, at DtnTime) StatusReport {
	return StatusReport{
		RefBundle:   b.ID(),
		StatusFlags: 1 << uint(status),
		Reason:      reason,
		ReportedAt:  at,
	}
}

// StatusInformations returns every StatusInformationPos set in this report.
func (sr StatusReport) StatusInformations() []StatusInformationPos {
	var out []StatusInformationPos
	for _, pos := range []StatusInformationPos{ReceivedBundle, ForwardedBundle, DeliveredBundle, DeletedBundle} {
		if sr.StatusFlags&(1<<uint(pos)) != 0 {
			out = append(out, pos)
		}
	}
	return out
}

func (sr StatusReport) String() string {
	return fmt.Sprintf("StatusReport(bundle=%v, flags=%08b, reason=%d)", sr.RefBundle, sr.StatusFlags, sr.Reason)
}

// AdministrativeRecord is the decoded envelope for any administrative
// record type; presently only StatusReport is implemented.
type AdministrativeRecord interface {
	RecordTypeCode() ARTypeCode
}

func (sr StatusReport) RecordTypeCode() ARTypeCode { return ARTypeStatusReport }

// adminRecordWire is the on-the-wire shape of an administrative record: a
// type code followed by the type-specific payload, CBOR-array encoded the
// way the teacher's primary block is.
type adminRecordWire struct {
	TypeCode ARTypeCode
	Payload  interface{}
}

// AdministrativeRecordToCbor encodes an AdministrativeRecord into a
// self-describing CBOR payload suitable for use as a bundle's payload
// block data.
func AdministrativeRecordToCbor(ar AdministrativeRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, new(codec.CborHandle))

	switch v := ar.(type) {
	case StatusReport:
		arr := []interface{}{
			uint(v.RecordTypeCode()),
			v.RefBundle.Source.String(),
			v.RefBundle.CreationTimestamp,
			v.RefBundle.FragmentOffset,
			v.RefBundle.TotalDataLength,
			v.StatusFlags,
			uint(v.Reason),
			uint64(v.ReportedAt),
		}
		if err := enc.Encode(arr); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported administrative record type %T", ar)
	}

	return buf.Bytes(), nil
}

// NewAdministrativeRecordFromCbor decodes a CBOR-encoded administrative
// record, as produced by AdministrativeRecordToCbor.
func NewAdministrativeRecordFromCbor(data []byte) (AdministrativeRecord, error) {
	dec := codec.NewDecoder(bytes.NewReader(data), new(codec.CborHandle))

	var arr []interface{}
	if err := dec.Decode(&arr); err != nil {
		return nil, err
	}
	if len(arr) < 1 {
		return nil, fmt.Errorf("administrative record payload is empty")
	}

	typeCode := ARTypeCode(arr[0].(uint64))
	switch typeCode {
	case ARTypeStatusReport:
		if len(arr) != 8 {
			return nil, fmt.Errorf("status report has wrong field count: %d", len(arr))
		}

		src, srcErr := NewEndpointID(arr[1].(string))
		if srcErr != nil {
			return nil, fmt.Errorf("status report's source endpoint is malformed: %v", srcErr)
		}

		var cts CreationTimestamp
		if ctArr, ok := arr[2].([]interface{}); ok {
			cts[0] = uint(ctArr[0].(uint64))
			cts[1] = uint(ctArr[1].(uint64))
		}

		sr := StatusReport{
			RefBundle: GBoFId{
				Source:            src,
				CreationTimestamp: cts,
				FragmentOffset:    uint(arr[3].(uint64)),
				TotalDataLength:   uint(arr[4].(uint64)),
			},
			StatusFlags: uint8(arr[5].(uint64)),
			Reason:      StatusReportReason(arr[6].(uint64)),
			ReportedAt:  DtnTime(arr[7].(uint64)),
		}
		return sr, nil

	default:
		return nil, fmt.Errorf("unknown administrative record type code %d", typeCode)
	}
}
