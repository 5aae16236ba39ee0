// Package domain contains the core business entities and interfaces for the promo bridge.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors represent the failure classes the HTTP layer knows how to report.
// Services wrap one of these in an *Error so handlers can map it with errors.Is.
var (
	// ErrConfiguration is returned when a required artifact (schema, signer, gateway) is not loaded.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation is returned for bad input or a business rule violation.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a record, session or listing does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the request collides with existing state.
	ErrConflict = errors.New("conflict")

	// ErrLedger is returned when the ledger rejected or failed an operation.
	ErrLedger = errors.New("ledger request failed")

	// ErrCapacity is returned when an in-memory store is full.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrNotImplemented marks paths that are deliberately stubbed.
	ErrNotImplemented = errors.New("not implemented")

	// ErrPaymentGatewayError is returned when there's an error communicating with Mercado Pago.
	ErrPaymentGatewayError = errors.New("payment gateway error")

	// ErrWebhookValidationFailed is returned when webhook signature validation fails.
	ErrWebhookValidationFailed = errors.New("webhook validation failed")

	// ErrAssistantFailed is returned when the text-completion endpoint fails or answers garbage.
	ErrAssistantFailed = errors.New("assistant request failed")
)

// Error wraps a domain error with a readable message, a stable code and
// optional details returned to the caller.
type Error struct {
	Err     error
	Message string
	Code    string
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with Error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches one detail entry and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError creates a new Error with the given error, message and code.
func NewError(err error, message, code string) *Error {
	return &Error{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// Validation builds an ErrValidation error with a formatted message.
func Validation(code, format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...), code)
}

// NotFound builds an ErrNotFound error with a formatted message.
func NotFound(code, format string, args ...any) *Error {
	return NewError(ErrNotFound, fmt.Sprintf(format, args...), code)
}

// Conflict builds an ErrConflict error with a formatted message.
func Conflict(code, format string, args ...any) *Error {
	return NewError(ErrConflict, fmt.Sprintf(format, args...), code)
}

// Unavailable builds an ErrConfiguration error naming the missing artifact.
func Unavailable(code, format string, args ...any) *Error {
	return NewError(ErrConfiguration, fmt.Sprintf(format, args...), code)
}
