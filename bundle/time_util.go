package bundle

import "time"

// microseconds converts a microsecond count, as used for Lifetime and Age
// fields, into a time.Duration.
func microseconds(us uint) time.Duration {
	return time.Duration(us) * time.Microsecond
}
