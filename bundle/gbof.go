package bundle

import "fmt"

// GBoFId is the Globally-unique Bundle-of-Fragment identifier (§3):
// source endpoint, creation timestamp, fragment offset and original length.
// It is comparable and therefore usable directly as a map key by the
// Pending Bundle Index's duplicate-detection (§4.3, invariant I4).
type GBoFId struct {
	Source            EndpointID
	CreationTimestamp CreationTimestamp
	FragmentOffset    uint
	TotalDataLength   uint
}

// NewGBoFId derives a bundle's GBoF-id from its primary block.
func NewGBoFId(pb PrimaryBlock) GBoFId {
	id := GBoFId{
		Source:            pb.SourceNode,
		CreationTimestamp: pb.CreationTimestamp,
	}
	if pb.HasFragmentation() {
		id.FragmentOffset = pb.FragmentOffset
		id.TotalDataLength = pb.TotalDataLength
	}
	return id
}

// IsFragment reports whether this GBoF-id identifies a bundle fragment
// rather than a whole bundle.
func (g GBoFId) IsFragment() bool {
	return g.TotalDataLength != 0
}

func (g GBoFId) String() string {
	if g.IsFragment() {
		return fmt.Sprintf("%v-%v-%d-%d", g.Source, g.CreationTimestamp, g.FragmentOffset, g.TotalDataLength)
	}
	return fmt.Sprintf("%v-%v", g.Source, g.CreationTimestamp)
}
