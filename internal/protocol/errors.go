package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a protocol failure. A Kind can be used directly as the
// target of errors.Is.
type Kind int

const (
	TransportTimeout Kind = iota + 1
	MalformedFrame
	FrameCrcMismatch
	DeviceReportedCorruption
	DatasetCrcMismatch
	DeviceRejected
	InstrumentInFirmwareUpdateMode
	RetriesExhausted
	SlotCountMismatch
	NotInFlashWriteMode
)

func (k Kind) String() string {
	switch k {
	case TransportTimeout:
		return "transport timeout"
	case MalformedFrame:
		return "malformed frame"
	case FrameCrcMismatch:
		return "frame CRC mismatch"
	case DeviceReportedCorruption:
		return "device reported corruption"
	case DatasetCrcMismatch:
		return "dataset CRC mismatch"
	case DeviceRejected:
		return "rejected by device"
	case InstrumentInFirmwareUpdateMode:
		return "instrument in firmware update mode"
	case RetriesExhausted:
		return "retries exhausted"
	case SlotCountMismatch:
		return "memory slot count mismatch"
	case NotInFlashWriteMode:
		return "not in flash write mode"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) Error() string { return k.String() }

type category int

const (
	frameCategory category = iota
	rejectedCategory
)

func (c category) Error() string {
	if c == frameCategory {
		return "frame error"
	}
	return "device rejection"
}

// Category sentinels for errors.Is.
var (
	// ErrFrame matches MalformedFrame and FrameCrcMismatch.
	ErrFrame error = frameCategory
	// ErrRejected matches DeviceRejected and InstrumentInFirmwareUpdateMode.
	ErrRejected error = rejectedCategory
)

// Reasons wrapped in MalformedFrame errors.
var (
	ErrTooShort          = errors.New("frame too short")
	ErrUnknownIdentifier = errors.New("unknown frame identifier")
	ErrLengthMismatch    = errors.New("frame length mismatch")
	ErrUnexpectedReply   = errors.New("unexpected reply")
)

// ParamError is one (error code, parameter index) pair from a BAD_PARM NAK.
type ParamError struct {
	Code  Code
	Index byte
}

// Error is the single error type returned for protocol failures.
type Error struct {
	Kind     Kind
	Command  Command
	Code     Code
	Params   []ParamError
	Received int
	Expected int
	Err      error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("hypstar")
	if e.Command != 0 {
		sb.WriteString(": ")
		sb.WriteString(e.Command.String())
	}
	sb.WriteString(": ")
	sb.WriteString(e.Kind.String())

	switch e.Kind {
	case DeviceRejected, InstrumentInFirmwareUpdateMode:
		fmt.Fprintf(&sb, " (%s, 0x%02X)", e.Code, byte(e.Code))
		for _, p := range e.Params {
			fmt.Fprintf(&sb, "; parameter %d: %s", p.Index, p.Code)
		}
	case DeviceReportedCorruption:
		fmt.Fprintf(&sb, " (%s)", e.Code)
	case MalformedFrame, SlotCountMismatch, TransportTimeout:
		if e.Expected != 0 || e.Received != 0 {
			fmt.Fprintf(&sb, " (got %d, want %d)", e.Received, e.Expected)
		}
	case FrameCrcMismatch:
		fmt.Fprintf(&sb, " (got 0x%02X, want 0x%02X)", e.Received, e.Expected)
	case DatasetCrcMismatch:
		fmt.Fprintf(&sb, " (got 0x%08X, want 0x%08X)", uint32(e.Received), uint32(e.Expected))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a Kind or one of the category sentinels.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case category:
		switch t {
		case frameCategory:
			return e.Kind == MalformedFrame || e.Kind == FrameCrcMismatch
		case rejectedCategory:
			return e.Kind == DeviceRejected || e.Kind == InstrumentInFirmwareUpdateMode
		}
	}
	return false
}

// KindOf returns the kind of the outermost protocol error in err's chain,
// or 0 if there is none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// IsRejection reports whether the instrument refused the command on its
// merits. Such failures are never retried.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}
