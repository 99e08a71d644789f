// Package errs classifies failures at the site where they happen so callers
// can branch on the kind instead of inspecting error text.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind uint8

const (
	Other Kind = iota
	Network
	Permission
	NotFound
	InvalidArgument
	PoolTimeout
	Decode
	Internal
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Permission:
		return "permission"
	case NotFound:
		return "not found"
	case InvalidArgument:
		return "invalid argument"
	case PoolTimeout:
		return "pool timeout"
	case Decode:
		return "decode"
	case Internal:
		return "internal"
	case Unavailable:
		return "unavailable"
	default:
		return "other"
	}
}

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind in err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// Is reports whether err was classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether retrying the operation may succeed.
func Transient(err error) bool {
	switch KindOf(err) {
	case Network, Unavailable, PoolTimeout:
		return true
	}
	return false
}
