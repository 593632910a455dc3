package cont

import (
	"errors"
	"fmt"
)

// ErrorKind classifies fatal pass errors.
type ErrorKind uint8

const (
	// ErrMalformed reports input that violates a documented precondition.
	ErrMalformed ErrorKind = iota + 1
	// ErrInconsistent reports an internal contradiction between facts the
	// pass derived itself.
	ErrInconsistent
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformed:
		return "malformed input"
	case ErrInconsistent:
		return "inconsistent state"
	default:
		return "error"
	}
}

// Error is a fatal error raised by a continuation pass. No output may be
// produced after it.
type Error struct {
	Kind   ErrorKind
	Pass   string
	Func   string
	Detail string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Func != "" {
		return fmt.Sprintf("%s: %s in %s: %s", e.Pass, e.Kind, e.Func, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Pass, e.Kind, e.Detail)
}

// Is matches errors of the same kind, so callers can test against
// sentinel values like &Error{Kind: ErrMalformed}.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Pass == "" || t.Pass == e.Pass)
}

// Malformed builds an ErrMalformed error.
func Malformed(pass, fn, format string, args ...any) *Error {
	return &Error{Kind: ErrMalformed, Pass: pass, Func: fn, Detail: fmt.Sprintf(format, args...)}
}

// Inconsistent builds an ErrInconsistent error.
func Inconsistent(pass, fn, format string, args ...any) *Error {
	return &Error{Kind: ErrInconsistent, Pass: pass, Func: fn, Detail: fmt.Sprintf(format, args...)}
}

// IsMalformed reports whether err carries an ErrMalformed error.
func IsMalformed(err error) bool { return hasKind(err, ErrMalformed) }

// IsInconsistent reports whether err carries an ErrInconsistent error.
func IsInconsistent(err error) bool { return hasKind(err, ErrInconsistent) }

func hasKind(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
