// Package apperr defines the error taxonomy shared by the domain packages.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindAuthorization     Kind = "authorization"
	KindDuplicate         Kind = "duplicate"
)

// Error is a logic rejection. Operations that return one have not mutated
// any state.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(kind Kind, code, message string, details any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Details: details}
}

func Validation(code, message string) *Error {
	return newError(KindValidation, code, message, nil)
}

func NotFound(entity, id string) *Error {
	return newError(KindNotFound, "NOT_FOUND", entity+" not found", map[string]string{"entity": entity, "id": id})
}

func InvalidTransition(from, event, reason string) *Error {
	return newError(KindInvalidTransition, "INVALID_TRANSITION",
		fmt.Sprintf("cannot %s from %s: %s", event, from, reason),
		map[string]string{"from": from, "event": event, "reason": reason})
}

func Authorization(message string) *Error {
	return newError(KindAuthorization, "FORBIDDEN", message, nil)
}

func Duplicate(code, message string) *Error {
	return newError(KindDuplicate, code, message, nil)
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
