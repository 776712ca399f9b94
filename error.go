package geodisk

import "fmt"

// ErrorCode enumerates the error categories shared by the changelog, geosched and raiddp
// packages.
type ErrorCode int

const (
	// Unknown represents an unspecified error condition.
	Unknown ErrorCode = iota
	// IoError is an OS read/write/open failure.
	IoError
	// CorruptRecord marks a magic/checksum/size mismatch in a changelog record.
	CorruptRecord
	// Truncated marks a partial tail record: follow-safe, scan-fatal.
	Truncated
	// NotFound indicates a requested id is absent.
	NotFound
	// AlreadyExists indicates a name/id clash within a container.
	AlreadyExists
	// CapacityFull indicates no free slot exists in a scheduling tree; selection is impossible.
	CapacityFull
	// InsufficientReplicas indicates an access requested more replicas than exist or are available.
	InsufficientReplicas
	// PolicyViolation indicates a forced fs not in the candidate set, or a disabled-branch clash.
	PolicyViolation
	// TimedOut indicates a bounded wait was exceeded.
	TimedOut
	// Internal marks an invariant violation; callers should log UserData to locate the
	// offending entity.
	Internal
)

func (c ErrorCode) String() string {
	switch c {
	case IoError:
		return "IoError"
	case CorruptRecord:
		return "CorruptRecord"
	case Truncated:
		return "Truncated"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case CapacityFull:
		return "CapacityFull"
	case InsufficientReplicas:
		return "InsufficientReplicas"
	case PolicyViolation:
		return "PolicyViolation"
	case TimedOut:
		return "TimedOut"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the typed error carried across subsystem boundaries: a code from ErrorCode, the
// wrapped underlying error (if any), and optional UserData identifying the offending entity.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: user data: %v", e.Code, e.UserData)
	}
	return fmt.Errorf("%s: user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap allows errors.Is/errors.As to reach the wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// NewError constructs an Error with the given code, wrapped error and user data.
func NewError(code ErrorCode, err error, userData any) Error {
	return Error{Code: code, Err: err, UserData: userData}
}
