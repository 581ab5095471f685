package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Validation Kind = "validation"
	NotFound   Kind = "not_found"
	Conflict   Kind = "conflict"
	External   Kind = "external_service"
	Invariant  Kind = "invariant_violation"
)

type Error struct {
	Kind    Kind
	Message string
	Field   string // set for validation errors
	Retry   bool   // caller may retry the same request later
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: Validation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: Conflict, Message: fmt.Sprintf(format, args...)}
}

// ExternalService wraps a failed or timed out call to a collaborator. State was not changed.
func ExternalService(msg string, err error) *Error {
	return &Error{Kind: External, Message: msg, Retry: true, Err: err}
}

func Invariantf(format string, args ...any) *Error {
	return &Error{Kind: Invariant, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
