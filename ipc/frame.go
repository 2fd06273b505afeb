// Package ipc implements the local application-facing RPC channel of
// spec.md §4.8: a framed request/response protocol over a stream socket,
// wired to a Backend adapter that speaks to the Registration Table and
// core.Core. Framing and the handshake word follow the same
// length-prefixed, big-endian shape as the External Router Channel (§4.7)
// and the teacher's TCPCL message headers (cla/tcpcl), just with a
// different opcode byte in front.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is this core's IPC wire version, exchanged in the
// handshake word. A client whose version does not match is refused with
// StatusVersionMismatch.
const ProtocolVersion uint16 = 1

// RequestType is the one-octet discriminator in front of every request
// frame.
type RequestType uint8

const (
	ReqLocalEID RequestType = iota
	ReqRegister
	ReqUnregister
	ReqFindRegistration
	ReqBind
	ReqUnbind
	ReqSend
	ReqRecv
	ReqPeek
	ReqAck
	ReqCancel
	ReqBeginPoll
	ReqCancelPoll
	ReqSessionUpdate
	// ReqCancelBundle is appended after ReqSessionUpdate rather than sorted
	// alphabetically with its siblings, so existing wire values are never
	// renumbered.
	ReqCancelBundle
)

func (t RequestType) String() string {
	switch t {
	case ReqLocalEID:
		return "local-eid"
	case ReqRegister:
		return "register"
	case ReqUnregister:
		return "unregister"
	case ReqFindRegistration:
		return "find-registration"
	case ReqBind:
		return "bind"
	case ReqUnbind:
		return "unbind"
	case ReqSend:
		return "send"
	case ReqRecv:
		return "recv"
	case ReqPeek:
		return "peek"
	case ReqAck:
		return "ack"
	case ReqCancel:
		return "cancel"
	case ReqBeginPoll:
		return "begin-poll"
	case ReqCancelPoll:
		return "cancel-poll"
	case ReqSessionUpdate:
		return "session-update"
	case ReqCancelBundle:
		return "cancel-bundle"
	default:
		return "unknown"
	}
}

// maxFrameLen bounds a single frame's payload so a malformed or hostile
// peer cannot force an unbounded allocation from the u32 length prefix.
const maxFrameLen = 64 << 20

// handshakeOpcode is the fixed opcode half of the handshake word; the
// External Router Channel uses a distinct opcode in the same word shape,
// so the two channels can share a listening process without ambiguity.
const handshakeOpcode uint16 = 0xBDA1

// handshakeWord packs the fixed opcode and a protocol version into the
// 4-byte word both sides exchange before any request/response traffic.
func handshakeWord(version uint16) uint32 {
	return uint32(handshakeOpcode)<<16 | uint32(version)
}

// WriteHandshake sends this side's handshake word.
func WriteHandshake(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], handshakeWord(ProtocolVersion))
	_, err := w.Write(buf[:])
	return err
}

// ReadHandshake reads the peer's handshake word and reports whether its
// opcode and version match what this side expects.
func ReadHandshake(r io.Reader) (version uint16, ok bool, err error) {
	var buf [4]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return 0, false, err
	}
	word := binary.BigEndian.Uint32(buf[:])
	opcode := uint16(word >> 16)
	version = uint16(word & 0xFFFF)
	return version, opcode == handshakeOpcode, nil
}

// requestFrame is one decoded `type:u8 ∥ len:u32-be ∥ payload` request.
type requestFrame struct {
	Type    RequestType
	Payload []byte
}

// readRequest blocks until a full request frame arrives, or returns the
// underlying read error (including io.EOF on a clean peer disconnect).
func readRequest(r io.Reader) (requestFrame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return requestFrame{}, err
	}

	typ := RequestType(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > maxFrameLen {
		return requestFrame{}, fmt.Errorf("request frame of %d bytes exceeds %d byte limit", length, maxFrameLen)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return requestFrame{}, err
	}
	return requestFrame{Type: typ, Payload: payload}, nil
}

// writeResponse writes a `status:u32-be ∥ len:u32-be ∥ payload` response
// frame.
func writeResponse(w io.Writer, status uint32, payload []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], status)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}
