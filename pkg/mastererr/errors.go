package mastererr

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable error class carried in response envelopes.
type Kind int32

const (
	OK Kind = iota
	InvalidArgument
	Unavailable
	Internal
	NotFound
)

var (
	ErrInvalidArgument = errors.New("rangemaster: invalid argument")
	ErrUnavailable     = errors.New("rangemaster: unavailable")
	ErrInternal        = errors.New("rangemaster: internal error")
	ErrNotFound        = errors.New("rangemaster: not found")
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case Unavailable:
		return "Unavailable"
	case Internal:
		return "Internal"
	case NotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// Code is the value written on the wire for k.
func (k Kind) Code() int32 {
	return int32(k)
}

// FromCode maps a wire code back to a Kind. Unknown codes are Internal.
func FromCode(code int32) Kind {
	k := Kind(code)
	switch k {
	case OK, InvalidArgument, Unavailable, Internal, NotFound:
		return k
	default:
		return Internal
	}
}

// Retryable reports whether the caller may resend the same request unchanged.
func (k Kind) Retryable() bool {
	return k == Unavailable
}

func (k Kind) sentinel() error {
	switch k {
	case InvalidArgument:
		return ErrInvalidArgument
	case Unavailable:
		return ErrUnavailable
	case NotFound:
		return ErrNotFound
	default:
		return ErrInternal
	}
}

// Error is a classified failure. errors.Is matches both the wrapped cause and
// the sentinel of its Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Invalid(format string, args ...any) *Error {
	return New(InvalidArgument, format, args...)
}

func Unavail(err error, format string, args ...any) *Error {
	return Wrap(Unavailable, err, format, args...)
}

// KindOf classifies err. nil is OK, unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return InvalidArgument
	case errors.Is(err, ErrUnavailable):
		return Unavailable
	case errors.Is(err, ErrNotFound):
		return NotFound
	default:
		return Internal
	}
}

// Message returns the human-readable part of err for response envelopes.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
