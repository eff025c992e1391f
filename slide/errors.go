package slide

import (
	"errors"
	"fmt"

	"github.com/janelia-flyem/wsitile/cache"
	"github.com/janelia-flyem/wsitile/container"
)

// Kind is the closed set of failure categories reported by this package.  Every
// error returned by a Slide or Level matches exactly one Kind through errors.Is.
type Kind int

const (
	// Fatal is an engine failure: unreadable or corrupt file, decode error, init failure.
	Fatal Kind = iota + 1

	// InvalidArgument is a bad path, buffer size, tile coordinate, or option.
	InvalidArgument

	// NullPointer means a resource is absent: no image, no barcode, a closed handle.
	NullPointer

	// StringError means the barcode is not valid UTF-8.
	StringError

	// ImageDecodeError means an image could not be decoded or shaped to its dimensions.
	ImageDecodeError

	// IndexOutOfRange is a level index outside [0, LevelCount).
	IndexOutOfRange
)

func (k Kind) String() string {
	switch k {
	case Fatal:
		return "fatal"
	case InvalidArgument:
		return "invalid argument"
	case NullPointer:
		return "null pointer"
	case StringError:
		return "string error"
	case ImageDecodeError:
		return "image decode error"
	case IndexOutOfRange:
		return "index out of range"
	default:
		return fmt.Sprintf("kind %d", int(k))
	}
}

func (k Kind) Error() string {
	return k.String()
}

// Error is a failure of a slide operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("slide %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("slide %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of an error from this package, or 0 if err is nil or foreign.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// fromStatus translates an engine error into a slide error.  Invalid argument stays
// invalid argument and every other non-ok status is fatal.  The engine error remains
// reachable through errors.As for its status code.
func fromStatus(op string, err error) error {
	switch container.StatusOf(err) {
	case container.StatusOK:
		return nil
	case container.StatusInvalidArgument:
		return newError(InvalidArgument, op, err)
	default:
		return newError(Fatal, op, err)
	}
}

// fromCache translates a decode cache error.  Decode failures pass through unchanged
// as they are already translated.
func fromCache(op string, err error) error {
	var e *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, cache.ErrDestroyed):
		return newError(NullPointer, op, err)
	case errors.Is(err, cache.ErrCapacity), errors.Is(err, cache.ErrForeignKey),
		errors.Is(err, cache.ErrAlreadyBound):
		return newError(InvalidArgument, op, err)
	default:
		return fromStatus(op, err)
	}
}
