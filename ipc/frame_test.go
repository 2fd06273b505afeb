package ipc

import (
	"bytes"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshake(&buf); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	version, ok, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if !ok {
		t.Fatalf("expected opcode to match")
	}
	if version != ProtocolVersion {
		t.Fatalf("expected version %d, got %d", ProtocolVersion, version)
	}
}

func TestReadHandshakeWrongOpcode(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xDE, 0xAD, 0x00, 0x01})
	_, ok, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected opcode mismatch to be reported")
	}
}

func TestRequestResponseFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRequestForTest(&buf, ReqSend, []byte("payload")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	req, err := readRequest(&buf)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if req.Type != ReqSend || string(req.Payload) != "payload" {
		t.Fatalf("unexpected request: %+v", req)
	}

	buf.Reset()
	if err := writeResponse(&buf, 0, []byte("ok")); err != nil {
		t.Fatalf("write response: %v", err)
	}
	status, payload, err := readResponseForTest(&buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if status != 0 || string(payload) != "ok" {
		t.Fatalf("unexpected response: status=%d payload=%q", status, payload)
	}
}

func TestRequestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{byte(ReqSend), 0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(hdr)
	if _, err := readRequest(&buf); err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}
}
