// Package apperr defines the error taxonomy shared by the scheduling and
// intake domains. Every error that leaves the lifecycle coordinator carries
// one of the kinds below so callers can decide between re-prompting,
// retrying and surfacing a generic failure.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindFormNotEditable
	KindDependencyFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindFormNotEditable:
		return "form_not_editable"
	case KindDependencyFailure:
		return "dependency_failure"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is comparisons. Only the kind is compared.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrFormNotEditable   = &Error{Kind: KindFormNotEditable}
	ErrDependencyFailure = &Error{Kind: KindDependencyFailure}
)

// Error is a classified error. Op names the operation that failed, Message
// is safe to show to the patient, Err is the underlying cause if any.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// MessageOf returns the patient-facing message of err, falling back to the
// kind name for unclassified errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return e.Kind.String()
	}
	return KindUnknown.String()
}

func Validation(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func FormNotEditable(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindFormNotEditable, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Dependency wraps an unexpected collaborator failure. The message stays
// generic; the cause is kept for logs.
func Dependency(op string, err error) *Error {
	return &Error{Kind: KindDependencyFailure, Op: op, Message: "the service is temporarily unavailable, please retry", Err: err}
}

// Wrap attaches a kind to an arbitrary cause.
func Wrap(kind Kind, op string, err error, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}
