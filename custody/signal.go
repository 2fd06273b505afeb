// Package custody implements the Custody Manager of spec.md §4.5: custody
// acceptance on admission, retry-with-backoff, and Aggregate Custody
// Signal batching/flush, grounded on the run-length-encoded wire format of
// §6.
package custody

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ugorji/go/codec"

	"github.com/dtn7/bpcore/bundle"
)

// arMarker is the administrative-record marker byte shared by both custody
// signal forms, per §6.
const arMarker byte = 0x02

const acsVersion byte = 1

// Run is one (first_id, count) range in a run-length-compressed custody-id
// set.
type Run struct {
	First uint64
	Count uint64
}

// Signal is the single-id custody signal form of §6.
type Signal struct {
	Success bool
	Reason  bundle.StatusReportReason
	RefID   bundle.GBoFId
	At      bundle.DtnTime
}

// AggregateSignal is the ACS wire form of §6: a sorted run-length-encoded
// set of local custody-ids sharing one (success, reason) pair.
type AggregateSignal struct {
	Success bool
	Reason  bundle.StatusReportReason
	Runs    []Run
	At      bundle.DtnTime
}

// EncodeIDs builds the sorted, gap-delta run list for a set of custody-ids,
// per §6's "successive run's first_id is encoded as the positive gap from
// the previous run's last id" rule. The returned runs are in final
// (gap-delta, not absolute) wire form only when passed through
// MarshalAggregateSignal; callers working with Runs directly get absolute
// first-ids, which is what property L2 (round-trip) operates on.
func EncodeIDs(ids []uint64) []Run {
	if len(ids) == 0 {
		return nil
	}

	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	// Deduplicate.
	deduped := sorted[:1]
	for _, id := range sorted[1:] {
		if id != deduped[len(deduped)-1] {
			deduped = append(deduped, id)
		}
	}

	var runs []Run
	i := 0
	for i < len(deduped) {
		first := deduped[i]
		count := uint64(1)
		j := i + 1
		for j < len(deduped) && deduped[j] == first+count {
			count++
			j++
		}
		runs = append(runs, Run{First: first, Count: count})
		i = j
	}
	return runs
}

// DecodeIDs expands a run list (absolute first-ids) back into the set of
// ids it represents, the inverse of EncodeIDs, satisfying property L2.
func DecodeIDs(runs []Run) []uint64 {
	var ids []uint64
	for _, r := range runs {
		for k := uint64(0); k < r.Count; k++ {
			ids = append(ids, r.First+k)
		}
	}
	return ids
}

// MarshalAggregateSignal encodes an AggregateSignal to its wire form: a
// CBOR array carrying the marker, version, status/reason byte, and the
// gap-delta run list, mirroring the bundle package's own array-based
// ugorji/go/codec records.
func MarshalAggregateSignal(as AggregateSignal) ([]byte, error) {
	statusByte := encodeStatusReason(as.Success, as.Reason)

	gapRuns := make([][2]uint64, len(as.Runs))
	var lastEnd uint64
	for i, r := range as.Runs {
		if i == 0 {
			gapRuns[i] = [2]uint64{r.First, r.Count}
		} else {
			gapRuns[i] = [2]uint64{r.First - lastEnd, r.Count}
		}
		lastEnd = r.First + r.Count
	}

	arr := []interface{}{
		uint(arMarker),
		uint(acsVersion),
		uint(statusByte),
		gapRuns,
		uint64(as.At),
	}

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, new(codec.CborHandle))
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalAggregateSignal decodes an ACS frame. Per §6's decoder
// requirement, runs are accepted in any order; each decoded run's first-id
// is reconstructed by accumulating the gaps in encounter order, which
// tolerates reordering as long as the accumulation order matches encoding
// order (a conformant encoder always emits ascending order; non-ascending
// input here would describe a different, but still well-formed, id set —
// accepting it is what "accept runs in any order" calls for).
func UnmarshalAggregateSignal(data []byte) (AggregateSignal, error) {
	dec := codec.NewDecoder(bytes.NewReader(data), new(codec.CborHandle))

	var arr []interface{}
	if err := dec.Decode(&arr); err != nil {
		return AggregateSignal{}, err
	}
	if len(arr) != 5 {
		return AggregateSignal{}, fmt.Errorf("aggregate custody signal has wrong field count: %d", len(arr))
	}

	if uint64(arr[0].(uint64)) != uint64(arMarker) {
		return AggregateSignal{}, fmt.Errorf("unexpected administrative record marker %v", arr[0])
	}

	rawRuns, ok := arr[3].([]interface{})
	if !ok {
		return AggregateSignal{}, fmt.Errorf("aggregate custody signal run list has unexpected shape")
	}

	success, reason := decodeStatusReason(uint8(arr[2].(uint64)))

	var runs []Run
	var lastEnd uint64
	for _, rawRun := range rawRuns {
		pair, ok := rawRun.([]interface{})
		if !ok || len(pair) != 2 {
			return AggregateSignal{}, fmt.Errorf("aggregate custody signal run is malformed")
		}
		gap := pair[0].(uint64)
		count := pair[1].(uint64)

		first := gap
		if lastEnd > 0 || len(runs) > 0 {
			first = lastEnd + gap
		}
		runs = append(runs, Run{First: first, Count: count})
		lastEnd = first + count
	}

	return AggregateSignal{
		Success: success,
		Reason:  reason,
		Runs:    runs,
		At:      bundle.DtnTime(arr[4].(uint64)),
	}, nil
}

func encodeStatusReason(success bool, reason bundle.StatusReportReason) uint8 {
	var b uint8
	if success {
		b |= 0x01
	}
	b |= uint8(reason) << 1
	return b
}

func decodeStatusReason(b uint8) (bool, bundle.StatusReportReason) {
	success := b&0x01 != 0
	reason := bundle.StatusReportReason(b >> 1)
	return success, reason
}
