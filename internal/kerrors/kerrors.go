// Package kerrors defines the single sum of error kinds returned from
// every syscall and most internal kernel interfaces.
package kerrors

import "fmt"

// Kind is the sum of error outcomes the kernel ever returns across its
// syscall and internal interfaces.
type Kind int

const (
	NoError Kind = iota
	Unknown
	NotFound
	WrongType
	AlreadyExists
	InvalidName
	InvalidParam
	InvalidOp
	OutOfResource
	OutOfRange
	DeviceFailed
	SyncMsgNotAccepted
	SyncMsgIncomplete
	SyncMsgQueueEmpty
	SyncMsgMismatch
)

var names = [...]string{
	"NoError",
	"Unknown",
	"NotFound",
	"WrongType",
	"AlreadyExists",
	"InvalidName",
	"InvalidParam",
	"InvalidOp",
	"OutOfResource",
	"OutOfRange",
	"DeviceFailed",
	"SyncMsgNotAccepted",
	"SyncMsgIncomplete",
	"SyncMsgQueueEmpty",
	"SyncMsgMismatch",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(names) {
		return "InvalidKind"
	}
	return names[k]
}

// Error pairs a Kind with an optional wrapped cause, so kernel code can
// compose errors with fmt.Errorf("mem: %w", kerrors.New(kerrors.NotFound))
// the way the teacher composes its own "pkg: %w" errors.
type Error struct {
	Kind  Kind
	Cause error
}

// New creates an *Error for kind with no wrapped cause.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap creates an *Error for kind that also carries cause for %w chains.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// As reports whether err is (or wraps) a *Error and returns its Kind.
func As(err error) (Kind, bool) {
	if err == nil {
		return NoError, true
	}
	var ke *Error
	if ok := asError(err, &ke); ok {
		return ke.Kind, true
	}
	return Unknown, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the ErrorKind represented by err, Unknown if err is
// non-nil but not a *Error, or NoError if err is nil. This is the
// function every syscall uses to translate an internal error into its
// returned ErrorKind.
func KindOf(err error) Kind {
	if err == nil {
		return NoError
	}
	kind, ok := As(err)
	if !ok {
		return Unknown
	}
	return kind
}
