// Package bpcore holds the cross-cutting error type shared by every other
// package: a single concrete Error wrapping a taxonomy category (spec.md
// §7) and the numeric IPC status code (§6) a request/response layer
// ultimately reports to a client, grounded on the teacher's plain `error`
// returns plus dtn7-gold's sentinel-`errors.New`-compared-with-`errors.Is`
// convention.
package bpcore

import "fmt"

// ErrorCategory is one partition of spec.md §7's error taxonomy.
type ErrorCategory uint

const (
	CategoryInput ErrorCategory = iota
	CategoryResourceExhaustion
	CategoryProtocol
	CategoryConsistency
	CategoryFatal
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryInput:
		return "input"
	case CategoryResourceExhaustion:
		return "resource_exhaustion"
	case CategoryProtocol:
		return "protocol"
	case CategoryConsistency:
		return "consistency"
	case CategoryFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IPCStatus is the numeric code table of spec.md §6, returned verbatim over
// the IPC response frame's status field.
type IPCStatus uint32

const (
	StatusSuccess IPCStatus = iota
	StatusInvalidArgument
	StatusCodecError
	StatusCommunicationError
	StatusConnectFailure
	StatusTimedOut
	StatusPayloadTooLarge
	StatusNotFound
	StatusInternalError
	StatusIllegalAfterPoll
	StatusRegistrationInUse
	StatusVersionMismatch
	StatusUnknownMessageType
	StatusNoSpace
)

func (s IPCStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusCodecError:
		return "codec_error"
	case StatusCommunicationError:
		return "communication_error"
	case StatusConnectFailure:
		return "connect_failure"
	case StatusTimedOut:
		return "timed_out"
	case StatusPayloadTooLarge:
		return "payload_too_large"
	case StatusNotFound:
		return "not_found"
	case StatusInternalError:
		return "internal_error"
	case StatusIllegalAfterPoll:
		return "illegal_operation_after_poll"
	case StatusRegistrationInUse:
		return "registration_already_in_use"
	case StatusVersionMismatch:
		return "ipc_version_mismatch"
	case StatusUnknownMessageType:
		return "unknown_message_type"
	case StatusNoSpace:
		return "no_storage_space"
	default:
		return "unknown_status"
	}
}

// Error is the one error type this core's packages return across package
// boundaries: a taxonomy category, the IPC status code a caller ultimately
// sees, and the wrapped underlying cause.
type Error struct {
	Category ErrorCategory
	Code     IPCStatus
	Err      error
}

// New creates an Error. err may be nil if Code alone is descriptive enough.
func New(category ErrorCategory, code IPCStatus, err error) *Error {
	return &Error{Category: category, Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Category, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Category, e.Code)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Sentinel causes, compared with errors.Is the way dtn7-gold compares its
// package-level sentinel errors.
var (
	ErrNotFound           = fmt.Errorf("not found")
	ErrInvalidArgument    = fmt.Errorf("invalid argument")
	ErrIllegalAfterPoll   = fmt.Errorf("illegal operation after poll")
	ErrRegistrationInUse  = fmt.Errorf("registration already in use")
	ErrVersionMismatch    = fmt.Errorf("version mismatch")
	ErrUnknownMessageType = fmt.Errorf("unknown message type")
	ErrNoSpace            = fmt.Errorf("no storage space")
	ErrTimedOut           = fmt.Errorf("operation timed out")
)
