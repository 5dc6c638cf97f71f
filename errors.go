package norftl

import (
	"errors"
	"fmt"

	"github.com/dsoprea/go-logging"
)

// ErrorKind enumerates the fatal- and non-fatal-error taxonomy of spec.md
// §7. The numeric ordering carries no meaning; only the named values do.
type ErrorKind int

const (
	// NoError indicates the absence of an error condition.
	NoError ErrorKind = iota
	// WriteError indicates a failed write to the physical medium.
	WriteError
	// EraseError indicates a failed erase of a physical sector.
	EraseError
	// OutOfFreeSectors indicates the allocator exhausted its retry budget
	// without finding or creating a usable free physical sector.
	OutOfFreeSectors
	// ReadError indicates a failed (and unrecovered) read from the medium.
	ReadError
	// CrcError indicates a CRC mismatch that ECC could not correct.
	CrcError
	// InconsistentData indicates mount-time data that violates an
	// invariant the core relies on (e.g. two live copies of one Lbi whose
	// DataCnt values are not exactly one generation apart).
	InconsistentData
	// OutOfWorkBlocks indicates no work-block descriptor was available and
	// LRU eviction-by-conversion still could not free one.
	OutOfWorkBlocks
	// EccError indicates an ECC decode reported Uncorrectable.
	EccError
)

// String renders the error kind for logging and the fatal-error record.
func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "NoError"
	case WriteError:
		return "WriteError"
	case EraseError:
		return "EraseError"
	case OutOfFreeSectors:
		return "OutOfFreeSectors"
	case ReadError:
		return "ReadError"
	case CrcError:
		return "CrcError"
	case InconsistentData:
		return "InconsistentData"
	case OutOfWorkBlocks:
		return "OutOfWorkBlocks"
	case EccError:
		return "EccError"
	default:
		return "UnknownError"
	}
}

// FatalError is the error type latched via the fatal-error record and
// delivered to the fatal-error callback. Once latched, the owning Instance
// rejects all subsequent writes.
type FatalError struct {
	Kind     ErrorKind
	ErrorPSI Psi
	cause    error
}

// Error implements the error interface.
func (fe *FatalError) Error() string {
	if fe.cause != nil {
		return fmt.Sprintf("fatal error: %s at psi=%d: %v", fe.Kind, fe.ErrorPSI, fe.cause)
	}
	return fmt.Sprintf("fatal error: %s at psi=%d", fe.Kind, fe.ErrorPSI)
}

// Unwrap exposes the underlying cause, if any, for errors.Is/As.
func (fe *FatalError) Unwrap() error {
	return fe.cause
}

// ErrUncorrectable is returned by an ECC.Decode implementation when the
// corrupted block cannot be repaired from its parity.
var ErrUncorrectable = errors.New("block is uncorrectable")

// wrapPanic is the standard panic-to-error boundary used at the edge of
// every public Instance method, mirroring go-exfat's recover-then-log.Wrap
// idiom at each of its own exported entry points.
func wrapPanic(errRaw interface{}) (err error) {
	if errRaw == nil {
		return nil
	}

	if asErr, ok := errRaw.(error); ok {
		return log.Wrap(asErr)
	}

	return log.Errorf("non-error panic: %v", errRaw)
}
