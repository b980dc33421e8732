package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/picklr-io/converge/internal/ir"
)

// Class is the engine-level category of an adapter failure.
type Class int

const (
	ClassOther Class = iota
	ClassNotFound
	ClassAlreadyExists
	ClassUnchanged
	ClassTerminal
	ClassTimeout
	ClassTransient
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassAlreadyExists:
		return "already_exists"
	case ClassUnchanged:
		return "unchanged"
	case ClassTerminal:
		return "terminal"
	case ClassTimeout:
		return "timeout"
	case ClassTransient:
		return "transient"
	case ClassCancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// Recoverable reports whether the engine absorbs errors of this class.
func (c Class) Recoverable() bool {
	return c == ClassNotFound || c == ClassAlreadyExists || c == ClassUnchanged
}

// Error is a classified failure of one adapter operation.
type Error struct {
	Class Class
	Op    string
	Key   ir.Key
	Err   error
}

func (e *Error) Error() string {
	target := e.Op
	if !e.Key.IsZero() {
		target += " " + e.Key.String()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", target, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", target, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a class. A nil err still yields a non-nil error.
func NewError(class Class, op string, key ir.Key, err error) error {
	return &Error{Class: class, Op: op, Key: key, Err: err}
}

// Errorf is NewError with a formatted cause.
func Errorf(class Class, op string, key ir.Key, format string, args ...any) error {
	return &Error{Class: class, Op: op, Key: key, Err: fmt.Errorf(format, args...)}
}

// Unsupported reports an operation the adapter does not implement for a kind.
func Unsupported(op string, key ir.Key) error {
	return Errorf(ClassOther, op, key, "kind %q does not support %s", key.Kind, op)
}

// ClassOf returns the class of err. Context cancellation and deadline
// errors are Cancelled; unclassified errors are Other.
func ClassOf(err error) Class {
	if err == nil {
		return ClassOther
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	return ClassOther
}

func IsNotFound(err error) bool      { return err != nil && ClassOf(err) == ClassNotFound }
func IsAlreadyExists(err error) bool { return err != nil && ClassOf(err) == ClassAlreadyExists }
func IsUnchanged(err error) bool     { return err != nil && ClassOf(err) == ClassUnchanged }
func IsTransient(err error) bool     { return err != nil && ClassOf(err) == ClassTransient }
