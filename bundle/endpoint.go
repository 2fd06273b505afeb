package bundle

import (
	"fmt"
	"io"
	"strings"

	"github.com/ugorji/go/codec"
)

// cborHandle is the shared CBOR codec handle used for the small,
// self-contained MarshalCbor/UnmarshalCbor helpers on EndpointID-adjacent
// types. The PrimaryBlock's own (un)marshalling goes through the generic
// CodecEncodeSelf/CodecDecodeSelf hooks instead, as in the teacher.
var cborHandle = new(codec.CborHandle)

// EndpointScheme identifies the URI scheme of an EndpointID, as registered
// in the BPv7 SchemeName codepoint table.
type EndpointScheme uint

const (
	endpointSchemeDtn EndpointScheme = 1
	endpointSchemeIpn EndpointScheme = 2
)

// dtnEndpointDtnNoneSsp is the scheme-specific-part of the null endpoint
// "dtn:none".
const dtnEndpointDtnNoneSsp = "none"

// EndpointID is a URI-form endpoint identifier, used for a bundle's source,
// destination, report-to, custodian and previous-hop fields, and for a
// registration's bound pattern.
//
// Only the "dtn" scheme is implemented by this codec; "ipn" endpoints are
// represented structurally (SchemeSpecificPort carries the numeric pair) so
// routing code can still compare them, but construction from a URI string
// is dtn-only, matching the teacher's endpoint_dtn_test.go coverage.
type EndpointID struct {
	SchemeName         uint
	SchemeSpecificPort interface{}
}

// DtnEndpoint is the decoded, scheme-specific part of a "dtn" EndpointID.
type DtnEndpoint struct {
	ssp string
}

var dtnNone = EndpointID{
	SchemeName:         uint(endpointSchemeDtn),
	SchemeSpecificPort: uint(0),
}

// DtnNone returns the null endpoint "dtn:none".
func DtnNone() EndpointID { return dtnNone }

// NewDtnEndpoint parses a "dtn:" URI into a DtnEndpoint.
func NewDtnEndpoint(uri string) (ep DtnEndpoint, err error) {
	if !strings.HasPrefix(uri, "dtn:") {
		err = fmt.Errorf("EndpointID's URI does not start with \"dtn:\": %s", uri)
		return
	}

	ssp := uri[len("dtn:"):]
	if ssp == "" {
		err = fmt.Errorf("dtn EndpointID's scheme specific part is empty")
		return
	}

	ep = DtnEndpoint{ssp: ssp}
	return
}

func (e DtnEndpoint) String() string {
	return fmt.Sprintf("dtn:%s", e.ssp)
}

// IsDtnNone reports whether this is the null endpoint.
func (e DtnEndpoint) IsDtnNone() bool {
	return e.ssp == dtnEndpointDtnNoneSsp
}

// MarshalCbor writes this DtnEndpoint's scheme-specific-part the way the
// underlying codec library encodes it: the null endpoint as the unsigned
// integer 0, any other SSP as a CBOR text string.
func (e DtnEndpoint) MarshalCbor(w io.Writer) error {
	enc := codec.NewEncoder(w, cborHandle)

	if e.IsDtnNone() {
		return enc.Encode(uint(0))
	}
	return enc.Encode(e.ssp)
}

// UnmarshalCbor decodes a DtnEndpoint, accepting either representation
// MarshalCbor can produce.
func (e *DtnEndpoint) UnmarshalCbor(r io.Reader) error {
	dec := codec.NewDecoder(r, cborHandle)

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch t := v.(type) {
	case uint64:
		if t != 0 {
			return fmt.Errorf("dtn EndpointID's numeric SSP is not 0: %d", t)
		}
		e.ssp = dtnEndpointDtnNoneSsp
	case string:
		e.ssp = t
	default:
		return fmt.Errorf("dtn EndpointID's SSP has unexpected CBOR type %T", v)
	}

	return nil
}

// NewEndpointID parses a URI-form EndpointID, presently restricted to the
// "dtn" scheme.
func NewEndpointID(uri string) (eid EndpointID, err error) {
	dep, depErr := NewDtnEndpoint(uri)
	if depErr != nil {
		err = depErr
		return
	}

	if dep.IsDtnNone() {
		eid = dtnNone
		return
	}

	eid = EndpointID{
		SchemeName:         uint(endpointSchemeDtn),
		SchemeSpecificPort: dep.ssp,
	}
	return
}

func (e EndpointID) String() string {
	switch e.SchemeName {
	case uint(endpointSchemeDtn):
		if ssp, ok := e.SchemeSpecificPort.(string); ok {
			return fmt.Sprintf("dtn:%s", ssp)
		}
		return "dtn:none"
	case uint(endpointSchemeIpn):
		return fmt.Sprintf("ipn:%v", e.SchemeSpecificPort)
	default:
		return fmt.Sprintf("unknown-scheme:%d:%v", e.SchemeName, e.SchemeSpecificPort)
	}
}

// IsDtnNone reports whether this EndpointID is the null endpoint "dtn:none".
func (e EndpointID) IsDtnNone() bool {
	return e == dtnNone
}

// Authority returns the node-identifying portion of the EndpointID, stripped
// of any demux suffix, used by HasEndpoint-style comparisons.
func (e EndpointID) Authority() string {
	s := e.String()
	if idx := strings.Index(s, "//"); idx != -1 {
		rest := s[idx+2:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			return s[:idx+2+slash]
		}
	}
	return s
}

// IsSingleton reports whether this EndpointID addresses exactly one node,
// as opposed to a multicast group. The dtn scheme has no native multicast
// notion, so every non-null dtn endpoint is treated as singleton.
func (e EndpointID) IsSingleton() bool {
	return e.SchemeName == uint(endpointSchemeDtn) && !e.IsDtnNone()
}

// EndpointIDPattern is a matchable pattern over EndpointIDs, as used for
// registration binding (§3 "bound endpoint pattern").
//
// Three match kinds are supported, mirroring RegistrationTable.get_matching
// in the reference implementation's prefix-match behaviour:
//   - exact: the pattern equals a concrete EndpointID's string form.
//   - prefix: "dtn://host/*" matches any demux suffix under that authority.
//   - wildcard: "dtn:**" or "*" matches everything (administrative use).
type EndpointIDPattern struct {
	raw      string
	wildcard bool
	prefix   string
	isPrefix bool
}

// NewEndpointIDPattern parses a pattern string.
func NewEndpointIDPattern(pattern string) (EndpointIDPattern, error) {
	if pattern == "*" || pattern == "dtn:**" {
		return EndpointIDPattern{raw: pattern, wildcard: true}, nil
	}

	if strings.HasSuffix(pattern, "*") {
		return EndpointIDPattern{
			raw:      pattern,
			prefix:   strings.TrimSuffix(pattern, "*"),
			isPrefix: true,
		}, nil
	}

	if _, err := NewEndpointID(pattern); err != nil {
		return EndpointIDPattern{}, err
	}

	return EndpointIDPattern{raw: pattern}, nil
}

// Match reports whether the given EndpointID satisfies this pattern.
func (p EndpointIDPattern) Match(eid EndpointID) bool {
	if p.wildcard {
		return true
	}
	if p.isPrefix {
		return strings.HasPrefix(eid.String(), p.prefix)
	}
	return p.raw == eid.String()
}

func (p EndpointIDPattern) String() string { return p.raw }
