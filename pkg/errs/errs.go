// Package errs defines the error taxonomy shared by every pass of the
// conversion pipeline: BadFormat, Unsupported, InsufficientSpace, Io,
// Corrupt, and ResourceLimit. Every user-visible error is canonicalized to
// one of these kinds plus a context string, so the driver can decide (per
// §7) whether a failure aborts the walk, skips a single item, or triggers
// rollback.
package errs

import "github.com/pkg/errors"

// Kind classifies a failure for the driver's recovery policy.
type Kind int

const (
	// BadFormat: on-disk magic, checksum, or structural invariant
	// violated.
	BadFormat Kind = iota
	// Unsupported: valid but out-of-scope feature (multi-device,
	// non-4K sectors, unknown csum type).
	Unsupported
	// InsufficientSpace: viability check or relocator free pool
	// cannot satisfy requirements.
	InsufficientSpace
	// Io: underlying read/write/sync failed or returned short.
	Io
	// Corrupt: a bounds check on otherwise well-formed data caught a
	// malformed item.
	Corrupt
	// ResourceLimit: memory allocation failed, mmap spill unusable,
	// queue depth exceeded.
	ResourceLimit
)

func (k Kind) String() string {
	switch k {
	case BadFormat:
		return "bad_format"
	case Unsupported:
		return "unsupported"
	case InsufficientSpace:
		return "insufficient_space"
	case Io:
		return "io"
	case Corrupt:
		return "corrupt"
	case ResourceLimit:
		return "resource_limit"
	default:
		return "unknown"
	}
}

// Error is a tagged, offset-aware error. Offset is -1 when not applicable.
type Error struct {
	Kind      Kind
	Component string
	Offset    int64
	cause     error
}

func (e *Error) Error() string {
	if e.Offset >= 0 {
		return errors.Errorf("%s: %s at offset 0x%x: %v", e.Component, e.Kind, e.Offset, e.cause).Error()
	}
	return errors.Errorf("%s: %s: %v", e.Component, e.Kind, e.cause).Error()
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a tagged error with no associated device offset.
func New(kind Kind, component, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Component: component, Offset: -1, cause: errors.Errorf(format, args...)}
}

// At builds a tagged error carrying the device offset at which it was
// detected.
func At(kind Kind, component string, offset int64, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Component: component, Offset: offset, cause: errors.Errorf(format, args...)}
}

// Wrap tags an existing error without an associated offset.
func Wrap(kind Kind, component string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Offset: -1, cause: err}
}

// WrapAt tags an existing error with a device offset.
func WrapAt(kind Kind, component string, offset int64, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Offset: offset, cause: err}
}

// KindOf extracts the Kind from err, defaulting to Io for untagged errors
// since most untagged failures in this codebase originate from the block
// device layer.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Io
}
