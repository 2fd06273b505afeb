package ipc

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dtn7/bpcore/bpcore"
	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/registration"
)

// writeRequestForTest and readResponseForTest play the client side of the
// framing session.go implements for the server side (readRequest,
// writeResponse).
func writeRequestForTest(w io.Writer, typ RequestType, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readResponseForTest(r io.Reader) (uint32, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	status := binary.BigEndian.Uint32(hdr[0:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return status, payload, nil
}

type fakeBackend struct {
	localEID        bundle.EndpointID
	regID           uint64
	token           uint64
	cancelledBundle uint64
	cancelBundleErr error
}

func (f *fakeBackend) LocalEID() bundle.EndpointID { return f.localEID }

func (f *fakeBackend) Register(pattern bundle.EndpointIDPattern, kind registration.Kind, failure registration.FailureAction, replay registration.ReplayAction, ackRequired bool) (uint64, uint64) {
	f.regID, f.token = 1, 42
	return f.regID, f.token
}

func (f *fakeBackend) Unregister(regID, token uint64) error { return nil }

func (f *fakeBackend) FindRegistration(eid bundle.EndpointID) (uint64, bool) {
	return f.regID, f.regID != 0
}

func (f *fakeBackend) Bind(regID, token uint64) error   { return nil }
func (f *fakeBackend) Unbind(regID, token uint64) error { return nil }

func (f *fakeBackend) Send(regID uint64, dest bundle.EndpointID, lifetimeUs uint, custody bool, priority bundle.PriorityClass, payload []byte) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) Recv(regID, token uint64, timeout time.Duration, consume bool) (uint64, bundle.EndpointID, []byte, bool, error) {
	return 7, f.localEID, []byte("hello"), true, nil
}

func (f *fakeBackend) Ack(regID, token uint64) error { return nil }
func (f *fakeBackend) Cancel(regID, token uint64)     {}

func (f *fakeBackend) CancelBundle(bundleID uint64) error {
	f.cancelledBundle = bundleID
	return f.cancelBundleErr
}

func (f *fakeBackend) BeginPoll(regID, token uint64) (uint64, bool, error) { return 1, true, nil }
func (f *fakeBackend) CancelPoll(regID, token, pollID uint64) error        { return nil }
func (f *fakeBackend) SessionUpdate(regID, token uint64) error             { return nil }

func newTestSession(t *testing.T) (net.Conn, *fakeBackend) {
	t.Helper()
	client, serverConn := net.Pipe()

	eid, err := bundle.NewEndpointID("dtn://local/")
	if err != nil {
		t.Fatalf("parse eid: %v", err)
	}
	backend := &fakeBackend{localEID: eid}

	go newSession(serverConn, backend, nil).serve()

	if err := WriteHandshake(client); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, ok, err := ReadHandshake(client); err != nil || !ok {
		t.Fatalf("read handshake: ok=%v err=%v", ok, err)
	}

	return client, backend
}

func roundTrip(t *testing.T, conn net.Conn, typ RequestType, payload []byte) (uint32, []byte) {
	t.Helper()
	if err := writeRequestForTest(conn, typ, payload); err != nil {
		t.Fatalf("write request: %v", err)
	}
	status, resp, err := readResponseForTest(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return status, resp
}

func TestSessionLocalEID(t *testing.T) {
	client, backend := newTestSession(t)
	defer client.Close()

	status, resp := roundTrip(t, client, ReqLocalEID, nil)
	if status != 0 {
		t.Fatalf("expected success, got status %d", status)
	}
	var eid string
	if err := decodePayload(resp, &eid); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if eid != backend.localEID.String() {
		t.Fatalf("expected %q, got %q", backend.localEID.String(), eid)
	}
}

func TestSessionRegisterAndSend(t *testing.T) {
	client, _ := newTestSession(t)
	defer client.Close()

	regPayload, err := encodePayload(registerRequest{Pattern: "dtn://local/"})
	if err != nil {
		t.Fatalf("encode register request: %v", err)
	}
	status, resp := roundTrip(t, client, ReqRegister, regPayload)
	if status != 0 {
		t.Fatalf("register failed with status %d", status)
	}
	var regResp registerResponse
	if err := decodePayload(resp, &regResp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if regResp.RegID != 1 || regResp.Token != 42 {
		t.Fatalf("unexpected register response: %+v", regResp)
	}

	sendPayload, err := encodePayload(sendRequest{RegID: 1, Destination: "dtn://dst/", LifetimeUs: 60000000, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("encode send request: %v", err)
	}
	status, resp = roundTrip(t, client, ReqSend, sendPayload)
	if status != 0 {
		t.Fatalf("send failed with status %d", status)
	}
	var sendResp sendResponse
	if err := decodePayload(resp, &sendResp); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	if sendResp.BundleID != 7 {
		t.Fatalf("expected bundle-id 7, got %d", sendResp.BundleID)
	}
}

func TestSessionRecv(t *testing.T) {
	client, _ := newTestSession(t)
	defer client.Close()

	recvPayload, err := encodePayload(recvRequest{RegID: 1, Token: 42, TimeoutMs: 1000})
	if err != nil {
		t.Fatalf("encode recv request: %v", err)
	}
	status, resp := roundTrip(t, client, ReqRecv, recvPayload)
	if status != 0 {
		t.Fatalf("recv failed with status %d", status)
	}
	var rr recvResponse
	if err := decodePayload(resp, &rr); err != nil {
		t.Fatalf("decode recv response: %v", err)
	}
	if string(rr.Payload) != "hello" {
		t.Fatalf("expected payload 'hello', got %q", rr.Payload)
	}
}

func TestSessionPollGatesOtherRequests(t *testing.T) {
	client, _ := newTestSession(t)
	defer client.Close()

	beginPayload, err := encodePayload(bindRequest{RegID: 1, Token: 42})
	if err != nil {
		t.Fatalf("encode begin-poll request: %v", err)
	}
	status, _ := roundTrip(t, client, ReqBeginPoll, beginPayload)
	if status != 0 {
		t.Fatalf("begin-poll failed with status %d", status)
	}

	status, _ = roundTrip(t, client, ReqLocalEID, nil)
	if status != uint32(bpcore.StatusIllegalAfterPoll) {
		t.Fatalf("expected illegal-after-poll, got status %d", status)
	}

	recvPayload, err := encodePayload(recvRequest{RegID: 1, Token: 42, TimeoutMs: 1000})
	if err != nil {
		t.Fatalf("encode recv request: %v", err)
	}
	status, _ = roundTrip(t, client, ReqRecv, recvPayload)
	if status != 0 {
		t.Fatalf("recv after poll failed with status %d", status)
	}

	status, _ = roundTrip(t, client, ReqLocalEID, nil)
	if status != 0 {
		t.Fatalf("expected poll gate to clear after recv, got status %d", status)
	}
}

func TestSessionCancelBundle(t *testing.T) {
	client, backend := newTestSession(t)
	defer client.Close()

	payload, err := encodePayload(cancelBundleRequest{BundleID: 99})
	if err != nil {
		t.Fatalf("encode cancel-bundle request: %v", err)
	}
	status, _ := roundTrip(t, client, ReqCancelBundle, payload)
	if status != 0 {
		t.Fatalf("cancel-bundle failed with status %d", status)
	}
	if backend.cancelledBundle != 99 {
		t.Fatalf("expected backend.CancelBundle(99), got %d", backend.cancelledBundle)
	}
}

func TestSessionCancelBundleNotFound(t *testing.T) {
	client, backend := newTestSession(t)
	defer client.Close()
	backend.cancelBundleErr = bpcore.New(bpcore.CategoryInput, bpcore.StatusNotFound, bpcore.ErrNotFound)

	payload, err := encodePayload(cancelBundleRequest{BundleID: 5})
	if err != nil {
		t.Fatalf("encode cancel-bundle request: %v", err)
	}
	status, _ := roundTrip(t, client, ReqCancelBundle, payload)
	if status != uint32(bpcore.StatusNotFound) {
		t.Fatalf("expected not-found status, got %d", status)
	}
}

func TestSessionUnknownRequestType(t *testing.T) {
	client, _ := newTestSession(t)
	defer client.Close()

	status, _ := roundTrip(t, client, RequestType(200), nil)
	if status != uint32(bpcore.StatusUnknownMessageType) {
		t.Fatalf("expected unknown-message-type status, got %d", status)
	}
}
