package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure for the caller. These are the only
// failure categories the engine reports; anything else is wrapped as
// KindCorruptInput because undecodable input is by far the common cause.
type Kind int

const (
	KindCorruptInput Kind = iota + 1
	KindUnsupportedFeature
	KindPasswordRequired
	KindIncorrectPassword
	KindResourceExceeded
)

// String returns the snake_case name used in logs and operation records.
func (k Kind) String() string {
	switch k {
	case KindCorruptInput:
		return "corrupt_input"
	case KindUnsupportedFeature:
		return "unsupported_feature"
	case KindPasswordRequired:
		return "password_required"
	case KindIncorrectPassword:
		return "incorrect_password"
	case KindResourceExceeded:
		return "resource_exceeded"
	default:
		return "unknown"
	}
}

// UserFixable reports whether the failure is something the user can act on
// (resend a good file, supply the right password). The quota tracker does
// not charge user-fixable failures.
func (k Kind) UserFixable() bool {
	switch k {
	case KindCorruptInput, KindPasswordRequired, KindIncorrectPassword, KindUnsupportedFeature:
		return true
	default:
		return false
	}
}

// Error is a typed operation failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("engine: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from an error chain. The second return
// is false for errors that did not originate in the engine.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func failure(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
