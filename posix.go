package geodisk

import "syscall"

// ToErrno translates a geodisk.Error into the POSIX-shaped numeric code callers at the
// outer boundary (geosched's access entry points) are expected to surface, per the
// propagation rule: lower layers keep the typed error, only the outer boundary translates.
func (e Error) ToErrno() syscall.Errno {
	switch e.Code {
	case CapacityFull:
		return syscall.EROFS
	case InsufficientReplicas:
		return syscall.ENONET
	case PolicyViolation:
		return syscall.ENODATA
	case NotFound:
		return syscall.ENOENT
	case Internal, IoError, CorruptRecord, Truncated, AlreadyExists, TimedOut:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
