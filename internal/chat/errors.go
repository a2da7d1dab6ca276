package chat

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes travel on the wire inside error
// events, so their values are stable.
type Code string

const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeInvalidInput       Code = "invalid_input"
	CodeDeliveryFailure    Code = "delivery_failure"
	CodeTimeout            Code = "timeout"
	CodeNotParticipant     Code = "not_participant"
	CodeInvalidReplyTarget Code = "invalid_reply_target"
	CodeNotOwner           Code = "not_owner"
	CodeRateLimited        Code = "rate_limited"
	CodeInternal           Code = "internal"
)

// Sentinels for errors.Is comparisons. Any *Error with the same code matches.
var (
	ErrUnauthenticated    = &Error{Code: CodeUnauthenticated}
	ErrForbidden          = &Error{Code: CodeForbidden}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInvalidInput       = &Error{Code: CodeInvalidInput}
	ErrDeliveryFailure    = &Error{Code: CodeDeliveryFailure}
	ErrTimeout            = &Error{Code: CodeTimeout}
	ErrNotParticipant     = &Error{Code: CodeNotParticipant}
	ErrInvalidReplyTarget = &Error{Code: CodeInvalidReplyTarget}
	ErrNotOwner           = &Error{Code: CodeNotOwner}
	ErrRateLimited        = &Error{Code: CodeRateLimited}
)

// Error is a coded failure with a human readable reason and an optional
// underlying cause.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

// NewError builds a coded error.
func NewError(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Reason == "" && e.Err == nil:
		return fmt.Sprintf("chat: %s", e.Code)
	case e.Err == nil:
		return fmt.Sprintf("chat: %s (%s)", e.Code, e.Reason)
	default:
		return fmt.Sprintf("chat: %s (%s): %v", e.Code, e.Reason, e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on code so wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the code carried by err, or CodeInternal when err is not a
// coded error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == code
}

// ReasonOf returns a message suitable for clients. Uncoded errors never leak
// their text.
func ReasonOf(err error) string {
	var ce *Error
	if !errors.As(err, &ce) {
		return "internal error"
	}
	if ce.Reason != "" {
		return ce.Reason
	}
	return string(ce.Code)
}
