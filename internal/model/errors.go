package model

import (
	"errors"
	"fmt"
)

// Error is the categorized error returned by changefeed operations.
//
// Categories:
//   - VALIDATION: bad request input (invalid offset token, limit out of range)
//   - LOOKUP: a queue row names a type that no longer resolves
//   - PARTIAL_FLUSH: some pending entries of a unit of work failed to persist
//   - FETCH: the entity store failed while resolving updates
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Reason is the numeric sub-code surfaced to sync clients
	// (ReasonInvalidToken, ReasonMaxLimit). Zero when not applicable.
	Reason int

	// Value is the offending input, if any.
	Value string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes changefeed errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates invalid caller input.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeLookup indicates a type name could not be resolved.
	ErrCodeLookup ErrorCode = "LOOKUP"

	// ErrCodePartialFlush indicates a flush persisted only some entries.
	ErrCodePartialFlush ErrorCode = "PARTIAL_FLUSH"

	// ErrCodeFetch indicates the entity store failed.
	ErrCodeFetch ErrorCode = "FETCH"
)

// Validation sub-codes exposed on the sync endpoint.
const (
	ReasonInvalidToken = 1
	ReasonMaxLimit     = 2
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Value != "" {
		msg = fmt.Sprintf("%s (value=%q)", msg, e.Value)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError creates a VALIDATION error.
func NewValidationError(message, value string) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Value: value}
}

// NewInvalidTokenError creates the VALIDATION error for a malformed offset token.
func NewInvalidTokenError(token string) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: "invalid offset token",
		Reason:  ReasonInvalidToken,
		Value:   token,
	}
}

// NewMaxLimitError creates the VALIDATION error for an out-of-range limit.
func NewMaxLimitError(limit, max int) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf("limit must be between 0 and %d", max),
		Reason:  ReasonMaxLimit,
		Value:   fmt.Sprintf("%d", limit),
	}
}

// NewLookupError creates a LOOKUP error for an unresolvable type.
func NewLookupError(typ string) *Error {
	return &Error{Code: ErrCodeLookup, Message: "unknown type", Value: typ}
}

// NewFetchError wraps an entity store failure.
func NewFetchError(typ string, err error) *Error {
	return &Error{Code: ErrCodeFetch, Message: "fetch entities", Value: typ, Err: err}
}

// NewPartialFlushError creates a PARTIAL_FLUSH error.
func NewPartialFlushError(failed, total int, err error) *Error {
	return &Error{
		Code:    ErrCodePartialFlush,
		Message: fmt.Sprintf("%d of %d pending changes failed to persist", failed, total),
		Err:     err,
	}
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidationError reports whether err is a VALIDATION error.
func IsValidationError(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsLookupError reports whether err is a LOOKUP error.
func IsLookupError(err error) bool { return hasCode(err, ErrCodeLookup) }

// IsPartialFlush reports whether err is a PARTIAL_FLUSH error.
func IsPartialFlush(err error) bool { return hasCode(err, ErrCodePartialFlush) }

// IsFetchError reports whether err is a FETCH error.
func IsFetchError(err error) bool { return hasCode(err, ErrCodeFetch) }

// ReasonOf returns the numeric sub-code of err, or 0.
func ReasonOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return 0
}
