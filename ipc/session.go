package ipc

import (
	"errors"
	"io"
	"math"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bpcore"
	"github.com/dtn7/bpcore/bundle"
)

// session drives one accepted connection's request/response loop until the
// peer disconnects or sends a frame this core cannot parse.
type session struct {
	conn    net.Conn
	backend Backend
	log     logrus.FieldLogger

	// polling is set once begin-poll succeeds and cleared by cancel-poll or
	// by the recv/peek that resolves it. While set, §4.8 restricts this
	// session to recv, peek, session-update and cancel-poll; anything else
	// is refused with "illegal operation after poll".
	polling bool
}

func newSession(conn net.Conn, backend Backend, log logrus.FieldLogger) *session {
	return &session{conn: conn, backend: backend, log: log}
}

// serve performs the handshake and then loops over requests until the
// connection closes.
func (s *session) serve() {
	defer s.conn.Close()

	peerVersion, ok, err := ReadHandshake(s.conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.WithError(err).Debug("ipc handshake read failed")
		}
		return
	}
	if !ok || peerVersion != ProtocolVersion {
		_ = writeResponse(s.conn, uint32(bpcore.StatusVersionMismatch), nil)
		return
	}
	if err := WriteHandshake(s.conn); err != nil {
		return
	}

	for {
		req, err := readRequest(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Debug("ipc request read failed")
			}
			return
		}

		status, payload := s.dispatch(req)
		if err := writeResponse(s.conn, status, payload); err != nil {
			s.log.WithError(err).Debug("ipc response write failed")
			return
		}
	}
}

// dispatch decodes one request frame, calls the matching Backend method,
// and encodes its response. Errors from the Backend are expected to be
// *bpcore.Error; anything else is reported as an internal error so a
// caller always sees one of the §6 status codes.
func (s *session) dispatch(req requestFrame) (uint32, []byte) {
	if s.polling {
		switch req.Type {
		case ReqRecv, ReqPeek, ReqSessionUpdate, ReqCancelPoll:
		default:
			return uint32(bpcore.StatusIllegalAfterPoll), nil
		}
	}

	switch req.Type {
	case ReqLocalEID:
		return s.handleLocalEID()
	case ReqRegister:
		return s.handleRegister(req.Payload)
	case ReqUnregister:
		return s.handleUnregister(req.Payload)
	case ReqFindRegistration:
		return s.handleFindRegistration(req.Payload)
	case ReqBind:
		return s.handleBind(req.Payload)
	case ReqUnbind:
		return s.handleUnbind(req.Payload)
	case ReqSend:
		return s.handleSend(req.Payload)
	case ReqRecv:
		return s.handleRecv(req.Payload, true)
	case ReqPeek:
		return s.handleRecv(req.Payload, false)
	case ReqAck:
		return s.handleAck(req.Payload)
	case ReqCancel:
		return s.handleCancel(req.Payload)
	case ReqBeginPoll:
		return s.handleBeginPoll(req.Payload)
	case ReqCancelPoll:
		return s.handleCancelPoll(req.Payload)
	case ReqSessionUpdate:
		return s.handleSessionUpdate(req.Payload)
	case ReqCancelBundle:
		return s.handleCancelBundle(req.Payload)
	default:
		return uint32(bpcore.StatusUnknownMessageType), nil
	}
}

func statusOf(err error) uint32 {
	var bpErr *bpcore.Error
	if errors.As(err, &bpErr) {
		return uint32(bpErr.Code)
	}
	return uint32(bpcore.StatusInternalError)
}

func (s *session) handleLocalEID() (uint32, []byte) {
	payload, err := encodePayload(s.backend.LocalEID().String())
	if err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	return uint32(bpcore.StatusSuccess), payload
}

func (s *session) handleRegister(raw []byte) (uint32, []byte) {
	var req registerRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	pattern, err := bundle.NewEndpointIDPattern(req.Pattern)
	if err != nil {
		return uint32(bpcore.StatusInvalidArgument), nil
	}

	regID, token := s.backend.Register(pattern, kindFromWire(req.Kind), failureFromWire(req.Failure), replayFromWire(req.Replay), req.AckRequired)
	payload, err := encodePayload(registerResponse{RegID: regID, Token: token})
	if err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	return uint32(bpcore.StatusSuccess), payload
}

func (s *session) handleUnregister(raw []byte) (uint32, []byte) {
	var req bindRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	if err := s.backend.Unregister(req.RegID, req.Token); err != nil {
		return statusOf(err), nil
	}
	return uint32(bpcore.StatusSuccess), nil
}

func (s *session) handleFindRegistration(raw []byte) (uint32, []byte) {
	var req findRegistrationRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	eid, err := bundle.NewEndpointID(req.EID)
	if err != nil {
		return uint32(bpcore.StatusInvalidArgument), nil
	}

	regID, ok := s.backend.FindRegistration(eid)
	if !ok {
		return uint32(bpcore.StatusNotFound), nil
	}
	payload, err := encodePayload(findRegistrationResponse{RegID: regID})
	if err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	return uint32(bpcore.StatusSuccess), payload
}

func (s *session) handleBind(raw []byte) (uint32, []byte) {
	var req bindRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	if err := s.backend.Bind(req.RegID, req.Token); err != nil {
		return statusOf(err), nil
	}
	return uint32(bpcore.StatusSuccess), nil
}

func (s *session) handleUnbind(raw []byte) (uint32, []byte) {
	var req bindRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	if err := s.backend.Unbind(req.RegID, req.Token); err != nil {
		return statusOf(err), nil
	}
	return uint32(bpcore.StatusSuccess), nil
}

func (s *session) handleSend(raw []byte) (uint32, []byte) {
	var req sendRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	dest, err := bundle.NewEndpointID(req.Destination)
	if err != nil {
		return uint32(bpcore.StatusInvalidArgument), nil
	}

	payload := req.Payload
	if req.PayloadPath != "" {
		data, rerr := spillRead(req.PayloadPath)
		if rerr != nil {
			return uint32(bpcore.StatusInvalidArgument), nil
		}
		payload = data
	}

	bundleID, err := s.backend.Send(req.RegID, dest, req.LifetimeUs, req.CustodyRequest, bundle.PriorityClass(req.Priority), payload)
	if err != nil {
		return statusOf(err), nil
	}
	out, err := encodePayload(sendResponse{BundleID: bundleID})
	if err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	return uint32(bpcore.StatusSuccess), out
}

// recvSpillThreshold is the payload size past which a recv/peek response
// spills to a temp file instead of inlining the bytes, mirroring send's
// spill discipline in the other direction.
const recvSpillThreshold = 1 << 20

func (s *session) handleRecv(raw []byte, consume bool) (uint32, []byte) {
	defer func() { s.polling = false }()

	var req recvRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if req.TimeoutMs == math.MaxUint64 {
		timeout = time.Duration(math.MaxInt64)
	}
	bundleID, source, payload, ok, err := s.backend.Recv(req.RegID, req.Token, timeout, consume)
	if err != nil {
		return statusOf(err), nil
	}
	if !ok {
		return uint32(bpcore.StatusTimedOut), nil
	}

	resp := recvResponse{BundleID: bundleID, Source: source.String()}
	if len(payload) > recvSpillThreshold {
		path, werr := spillWrite(payload)
		if werr != nil {
			return uint32(bpcore.StatusInternalError), nil
		}
		resp.PayloadPath = path
	} else {
		resp.Payload = payload
	}

	out, err := encodePayload(resp)
	if err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	return uint32(bpcore.StatusSuccess), out
}

func (s *session) handleAck(raw []byte) (uint32, []byte) {
	var req bindRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	if err := s.backend.Ack(req.RegID, req.Token); err != nil {
		return statusOf(err), nil
	}
	return uint32(bpcore.StatusSuccess), nil
}

func (s *session) handleCancel(raw []byte) (uint32, []byte) {
	var req bindRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	s.backend.Cancel(req.RegID, req.Token)
	return uint32(bpcore.StatusSuccess), nil
}

func (s *session) handleBeginPoll(raw []byte) (uint32, []byte) {
	var req bindRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	pollID, ready, err := s.backend.BeginPoll(req.RegID, req.Token)
	if err != nil {
		return statusOf(err), nil
	}
	out, err := encodePayload(pollResponse{PollID: pollID})
	if err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	// Ready and not-yet-ready both report success; the caller distinguishes
	// them by following up with a zero-timeout peek/recv, keeping this
	// response shape identical either way.
	_ = ready
	s.polling = true
	return uint32(bpcore.StatusSuccess), out
}

func (s *session) handleCancelPoll(raw []byte) (uint32, []byte) {
	var req pollRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	if err := s.backend.CancelPoll(req.RegID, req.Token, req.PollID); err != nil {
		return statusOf(err), nil
	}
	s.polling = false
	return uint32(bpcore.StatusSuccess), nil
}

// handleCancelBundle is the §4.8 cancel(bundle-id) request: unlike
// handleCancel (which interrupts this session's own pending recv/peek wait),
// it reaches into core.Core and asks the dispatcher to cancel a specific
// bundle-id, regardless of which registration or session admitted it.
func (s *session) handleCancelBundle(raw []byte) (uint32, []byte) {
	var req cancelBundleRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	if err := s.backend.CancelBundle(req.BundleID); err != nil {
		return statusOf(err), nil
	}
	return uint32(bpcore.StatusSuccess), nil
}

func (s *session) handleSessionUpdate(raw []byte) (uint32, []byte) {
	var req sessionUpdateRequest
	if err := decodePayload(raw, &req); err != nil {
		return uint32(bpcore.StatusCodecError), nil
	}
	if err := s.backend.SessionUpdate(req.RegID, req.Token); err != nil {
		return statusOf(err), nil
	}
	return uint32(bpcore.StatusSuccess), nil
}
