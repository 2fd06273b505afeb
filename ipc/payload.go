package ipc

import (
	"bytes"

	"github.com/ugorji/go/codec"

	"github.com/dtn7/bpcore/registration"
)

// Every request/response payload below is encoded with a plain
// codec.CborHandle, as bundle/ and storage/ use, rather than a one-off
// hand-rolled layout per message; the structs encode as CBOR maps keyed
// by field name.

var cborHandle = new(codec.CborHandle)

func encodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), cborHandle)
	return dec.Decode(v)
}

// registerRequest is ReqRegister's payload.
type registerRequest struct {
	Pattern     string
	Kind        uint
	Failure     uint
	Replay      uint
	AckRequired bool
}

// registerResponse is ReqRegister's success payload.
type registerResponse struct {
	RegID uint64
	Token uint64
}

// bindRequest is shared by ReqBind/ReqUnbind/ReqUnregister/ReqAck/ReqCancel:
// every session-scoped operation after register authenticates with the
// same (regid, token) pair handed back at registration time.
type bindRequest struct {
	RegID uint64
	Token uint64
}

// findRegistrationRequest is ReqFindRegistration's payload.
type findRegistrationRequest struct {
	EID string
}

// findRegistrationResponse is ReqFindRegistration's success payload.
type findRegistrationResponse struct {
	RegID uint64
}

// sendRequest is ReqSend's payload. Destination, LifetimeUs,
// CustodyRequest and Priority form the per-bundle send specification;
// Payload is the bundle
// payload itself, or empty when PayloadPath names a spilled file instead
// (§4.8's oversized-payload spill discipline).
type sendRequest struct {
	RegID           uint64
	Destination     string
	LifetimeUs      uint
	CustodyRequest  bool
	Priority        uint
	Payload         []byte
	PayloadPath     string
}

// sendResponse is ReqSend's success payload.
type sendResponse struct {
	BundleID uint64
}

// recvRequest is shared by ReqRecv/ReqPeek. TimeoutMs of 0 means return
// immediately; a negative value (encoded as the max uint on the wire,
// handled before encoding) blocks indefinitely.
type recvRequest struct {
	RegID     uint64
	Token     uint64
	TimeoutMs uint64
}

// recvResponse is shared by ReqRecv/ReqPeek's success payload.
type recvResponse struct {
	BundleID    uint64
	Source      string
	Payload     []byte
	PayloadPath string
}

// pollRequest is shared by ReqBeginPoll/ReqCancelPoll.
type pollRequest struct {
	RegID uint64
	Token uint64
	PollID uint64
}

// pollResponse is ReqBeginPoll's success payload.
type pollResponse struct {
	PollID uint64
}

// sessionUpdateRequest is ReqSessionUpdate's payload: a client-initiated
// keepalive/renewal of the registration's expiration, per §4.4's token
// lease model.
type sessionUpdateRequest struct {
	RegID uint64
	Token uint64
}

// cancelBundleRequest is ReqCancelBundle's payload: the §4.8 cancel(bundle-id)
// request, distinct from bindRequest's registration-scoped ReqCancel (which
// interrupts a pending recv/peek wait rather than cancelling a bundle).
type cancelBundleRequest struct {
	BundleID uint64
}

func kindFromWire(k uint) registration.Kind  { return registration.Kind(k) }
func failureFromWire(f uint) registration.FailureAction {
	return registration.FailureAction(f)
}
func replayFromWire(r uint) registration.ReplayAction { return registration.ReplayAction(r) }
