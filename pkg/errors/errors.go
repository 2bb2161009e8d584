// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed errors returned by the token stores and
// their mapping onto HTTP status codes and OAuth 2.0 error responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ory/fosite"
	"github.com/stacklok/toolhive-core/httperr"
)

// Error types
const (
	// ErrInvalidGrant is returned for any failed code redemption or refresh.
	ErrInvalidGrant = "invalid_grant"

	// ErrResourceExhausted is returned when a user holds too many outstanding codes.
	ErrResourceExhausted = "resource_exhausted"

	// ErrRateLimited is returned when a user exceeds the issuance rate.
	ErrRateLimited = "rate_limited"

	// ErrValidationFailed is returned when a shard group configuration is rejected.
	ErrValidationFailed = "validation_failed"

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = "invalid_argument"

	// ErrNotFound is returned when a group, family or user is unknown.
	ErrNotFound = "not_found"

	// ErrConflict is returned when concurrent writers race on shared state.
	ErrConflict = "conflict"

	// ErrUnavailable is returned when a shard is shutting down.
	ErrUnavailable = "unavailable"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Reason is the internal cause behind an invalid_grant. It is logged and
// counted but never sent to the client.
type Reason string

// Internal reasons for invalid_grant.
const (
	ReasonNone             Reason = ""
	ReasonUnknown          Reason = "unknown"
	ReasonExpired          Reason = "expired"
	ReasonCodeAlreadyUsed  Reason = "code already used"
	ReasonClientMismatch   Reason = "client mismatch"
	ReasonRedirectMismatch Reason = "redirect mismatch"
	ReasonPKCEMismatch     Reason = "pkce verification failed"
	ReasonFamilyRevoked    Reason = "family revoked"
	ReasonReuseDetected    Reason = "reuse detected"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Reason narrows invalid_grant failures.
	Reason Reason

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	msg := e.Message
	if e.Reason != ReasonNone {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidGrantError creates an invalid_grant error carrying reason.
func NewInvalidGrantError(reason Reason, message string) *Error {
	return &Error{Type: ErrInvalidGrant, Reason: reason, Message: message}
}

// NewResourceExhaustedError creates a new resource exhausted error
func NewResourceExhaustedError(message string) *Error {
	return NewError(ErrResourceExhausted, message, nil)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string) *Error {
	return NewError(ErrRateLimited, message, nil)
}

// NewValidationFailedError creates a new validation failed error
func NewValidationFailedError(message string, cause error) *Error {
	return NewError(ErrValidationFailed, message, cause)
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewUnavailableError creates a new unavailable error
func NewUnavailableError(message string, cause error) *Error {
	return NewError(ErrUnavailable, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func typeOf(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

func isType(err error, errorType string) bool {
	t, ok := typeOf(err)
	return ok && t == errorType
}

// IsInvalidGrant checks if the error is an invalid_grant error
func IsInvalidGrant(err error) bool {
	return isType(err, ErrInvalidGrant)
}

// IsResourceExhausted checks if the error is a resource exhausted error
func IsResourceExhausted(err error) bool {
	return isType(err, ErrResourceExhausted)
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return isType(err, ErrRateLimited)
}

// IsValidationFailed checks if the error is a validation failed error
func IsValidationFailed(err error) bool {
	return isType(err, ErrValidationFailed)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return isType(err, ErrConflict)
}

// ReasonOf returns the invalid_grant reason carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

// Code returns the HTTP status code for err. Typed errors map by type;
// anything else falls back to the code attached with httperr.WithCode.
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	t, ok := typeOf(err)
	if !ok {
		return httperr.Code(err)
	}
	switch t {
	case ErrInvalidGrant, ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrResourceExhausted, ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrValidationFailed:
		return http.StatusUnprocessableEntity
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrTemporarilyUnavailable is the OAuth error for throttled issuance.
var ErrTemporarilyUnavailable = &fosite.RFC6749Error{
	ErrorField:       "temporarily_unavailable",
	DescriptionField: "The authorization server is temporarily unable to handle the request.",
	CodeField:        http.StatusTooManyRequests,
}

// ToRFC6749 converts err into the OAuth 2.0 error a token endpoint returns.
// The internal reason only ever lands in the debug field, which fosite
// strips unless debug output is explicitly enabled.
func ToRFC6749(err error) *fosite.RFC6749Error {
	var e *Error
	if !errors.As(err, &e) {
		return fosite.ErrServerError.WithWrap(err)
	}
	switch e.Type {
	case ErrInvalidGrant:
		return fosite.ErrInvalidGrant.WithDebug(string(e.Reason))
	case ErrResourceExhausted, ErrRateLimited:
		return ErrTemporarilyUnavailable.WithDebug(e.Message)
	case ErrInvalidArgument:
		return fosite.ErrInvalidRequest.WithDebug(e.Message)
	default:
		return fosite.ErrServerError.WithWrap(err).WithDebug(e.Error())
	}
}
