// Package apperr is the failure taxonomy shared by the pipeline. Queue retry decisions,
// batch error collection and HTTP status mapping all switch on Kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how callers must react to it.
type Kind string

const (
	// KindBadInput is a permanent input problem such as an unplayable upload. Never retried.
	KindBadInput Kind = "bad_input"
	// KindTransient is a network or storage hiccup. Retried with backoff up to a cap.
	KindTransient Kind = "transient"
	// KindConflict means a conditional write lost its precondition. The loser discards its work.
	KindConflict Kind = "conflict"
	// KindExhausted means the retry budget is spent.
	KindExhausted Kind = "exhausted"
	// KindNotFound is success for deletes and a no-op for notification targets.
	KindNotFound Kind = "not_found"
	// KindValidation is a malformed request from an API caller.
	KindValidation Kind = "validation"
)

// Error carries a Kind, the failing operation and an optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind with a human-readable message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an Error of the given kind around err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func BadInput(op string, err error) error  { return Wrap(KindBadInput, op, err) }
func Transient(op string, err error) error { return Wrap(KindTransient, op, err) }
func Conflict(op string, err error) error  { return Wrap(KindConflict, op, err) }
func Exhausted(op string, err error) error { return Wrap(KindExhausted, op, err) }
func NotFound(op string, err error) error  { return Wrap(KindNotFound, op, err) }

// Validation reports a request-level input problem. The message is shown to API callers.
func Validation(message string) error {
	return &Error{Kind: KindValidation, Message: message}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsBadInput(err error) bool   { return KindOf(err) == KindBadInput }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsExhausted(err error) bool  { return KindOf(err) == KindExhausted }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// PublicMessage is the message safe to return to API callers: the explicit Message of a
// validation or not-found error, otherwise a generic text for the kind.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "An unexpected error occurred"
	}
	switch e.Kind {
	case KindValidation, KindNotFound, KindConflict, KindBadInput:
		if e.Message != "" {
			return e.Message
		}
	}
	switch e.Kind {
	case KindNotFound:
		return "Resource not found"
	case KindConflict:
		return "The resource changed state and the request can no longer be applied"
	case KindBadInput:
		return "The input could not be processed"
	case KindTransient:
		return "A dependency is temporarily unavailable"
	default:
		return "An unexpected error occurred"
	}
}
