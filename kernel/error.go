package kernel

import "github.com/pkg/errors"

// ErrorKind classifies a kernel error so that callers can decide whether an
// error is returned to user space, terminates the faulting process or points
// to corrupted kernel state.
type ErrorKind uint8

const (
	// KindUnknown is reported for errors that do not originate from a
	// kernel.Error (e.g. raw I/O errors from a file implementation).
	KindUnknown ErrorKind = iota

	// KindValidation describes bad arguments supplied by a caller such as
	// unaligned or kernel addresses. Validation errors never terminate the
	// caller.
	KindValidation

	// KindResourceExhausted describes a failure to obtain a frame or a swap
	// slot even after attempting to evict.
	KindResourceExhausted

	// KindFaultFatal describes a page fault that cannot be resolved. The
	// owning process is terminated.
	KindFaultFatal

	// KindConsistency describes a request that would break a kernel
	// invariant (duplicate page, mismatched frame binding).
	KindConsistency
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindFaultFatal:
		return "fatal fault"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Error describes a kernel kerror. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Callers compare against
// these sentinels with errors.Is; additional context is attached with
// errors.Wrap.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// KindOf returns the kind of the kernel.Error at the root of err's cause
// chain or KindUnknown if err does not wrap a kernel.Error.
func KindOf(err error) ErrorKind {
	var kErr *Error
	if errors.As(err, &kErr) {
		return kErr.Kind
	}

	return KindUnknown
}
