package bundle

import "time"

// DtnTime is a Bundle Protocol timestamp: seconds since the DTN epoch
// (2000-01-01T00:00:00Z), matching the teacher's representation.
type DtnTime uint64

// DtnTimeEpoch is the zero value of DtnTime, the DTN epoch itself.
const DtnTimeEpoch DtnTime = 0

// dtnTimeOffset is the offset between the Unix epoch and the DTN epoch, in
// seconds.
const dtnTimeOffset int64 = 946684800

// DtnTimeNow returns the current time as a DtnTime.
func DtnTimeNow() DtnTime {
	return DtnTimeFromTime(time.Now())
}

// DtnTimeFromTime converts a time.Time into a DtnTime.
func DtnTimeFromTime(t time.Time) DtnTime {
	sec := t.Unix() - dtnTimeOffset
	if sec < 0 {
		sec = 0
	}
	return DtnTime(sec)
}

// Time converts a DtnTime back into a time.Time.
func (dt DtnTime) Time() time.Time {
	return time.Unix(int64(dt)+dtnTimeOffset, 0)
}

// CreationTimestamp is a bundle's creation time together with a sequence
// number disambiguating bundles created within the same second by the same
// source, as used in the GBoF-id (§3).
type CreationTimestamp [2]uint

// NewCreationTimestamp builds a CreationTimestamp from a DtnTime and a
// sequence number.
func NewCreationTimestamp(t DtnTime, seq uint) CreationTimestamp {
	return CreationTimestamp{uint(t), seq}
}

// DtnTime returns the timestamp's time component.
func (cts CreationTimestamp) DtnTime() DtnTime { return DtnTime(cts[0]) }

// SequenceNumber returns the timestamp's disambiguating sequence number.
func (cts CreationTimestamp) SequenceNumber() uint { return cts[1] }
