// Package i3cerr defines the structured error kinds returned by the usbi3c
// host library, mirroring the kinds a caller needs to discriminate on:
// malformed wire data, transport failures, unknown request IDs, and the
// bus-level failures a USB-I3C bridge can report back.
package i3cerr

import "fmt"

// Kind classifies an Error so callers can switch on it without parsing
// messages.
type Kind int

const (
	MissingArgument Kind = iota
	InvalidState
	Overflow
	MalformedFrame
	Timeout
	Transport
	NotFound
	Duplicate
	Unsupported
	BusInitFailed
	CommandFailed
	NotReady
)

func (k Kind) String() string {
	switch k {
	case MissingArgument:
		return "MissingArgument"
	case InvalidState:
		return "InvalidState"
	case Overflow:
		return "Overflow"
	case MalformedFrame:
		return "MalformedFrame"
	case Timeout:
		return "Timeout"
	case Transport:
		return "Transport"
	case NotFound:
		return "NotFound"
	case Duplicate:
		return "Duplicate"
	case Unsupported:
		return "Unsupported"
	case BusInitFailed:
		return "BusInitFailed"
	case CommandFailed:
		return "CommandFailed"
	case NotReady:
		return "NotReady"
	default:
		return "Unknown"
	}
}

// CommandStatus enumerates §6/§7's command execution status values,
// carried by a CommandFailed error.
type CommandStatus uint8

const (
	StatusSucceeded CommandStatus = iota
	StatusCRC
	StatusParity
	StatusFrame
	StatusAddress
	StatusNACK
	_ // 0x6 reserved in the spec's command_execution_status enum
	StatusShortRead
	StatusControllerError
	StatusTransferError
	StatusBadCommand
	StatusAbortedCRC
	StatusGeneralError1
	StatusGeneralError2
	StatusGeneralError3
	StatusGeneralError4
)

func (s CommandStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusCRC:
		return "CRC"
	case StatusParity:
		return "Parity"
	case StatusFrame:
		return "Frame"
	case StatusAddress:
		return "Address"
	case StatusNACK:
		return "NACK"
	case StatusShortRead:
		return "ShortRead"
	case StatusControllerError:
		return "ControllerError"
	case StatusTransferError:
		return "TransferError"
	case StatusBadCommand:
		return "BadCommand"
	case StatusAbortedCRC:
		return "AbortedCRC"
	case StatusGeneralError1, StatusGeneralError2, StatusGeneralError3, StatusGeneralError4:
		return fmt.Sprintf("GeneralError%d", int(s)-int(StatusGeneralError1)+1)
	default:
		return fmt.Sprintf("CommandStatus(%#x)", uint8(s))
	}
}

// Error is the concrete error type returned by every exported usbi3c
// operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, e.g. a transport error

	// BusInitCode is set when Kind == BusInitFailed.
	BusInitCode int8
	// CommandStatus is set when Kind == CommandFailed.
	CommandStatus CommandStatus
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("usbi3c: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("usbi3c: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a plain Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind that wraps cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// NewBusInitFailed builds an Error reporting a failed bus-initialization
// notification code (§4.H, §6).
func NewBusInitFailed(code int8) *Error {
	return &Error{Kind: BusInitFailed, Msg: fmt.Sprintf("bus initialization failed with code %d", code), BusInitCode: code}
}

// NewCommandFailed builds an Error reporting a per-command execution
// failure (§3 Response, §7).
func NewCommandFailed(status CommandStatus) *Error {
	return &Error{Kind: CommandFailed, Msg: fmt.Sprintf("command failed: %s", status), CommandStatus: status}
}
