// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable machine-readable error code. Codes are part of the
// protocol contract: clients branch on them, so they never change
// meaning within a protocol version.
type Code string

const (
	CodeInvalidHandshake       Code = "INVALID_HANDSHAKE"
	CodeAuthFailed             Code = "AUTH_FAILED"
	CodeNonceReused            Code = "NONCE_REUSED"
	CodeSessionTokenExpired    Code = "SESSION_TOKEN_EXPIRED"
	CodeDeviceNotApproved      Code = "DEVICE_NOT_APPROVED"
	CodePermissionDenied       Code = "PERMISSION_DENIED"
	CodeMethodNotFound         Code = "METHOD_NOT_FOUND"
	CodeInvalidParams          Code = "INVALID_PARAMS"
	CodeIdempotencyKeyRequired Code = "IDEMPOTENCY_KEY_REQUIRED"
	CodeIdempotencyKeyConflict Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeMessageTooLarge        Code = "MESSAGE_TOO_LARGE"
	CodeOriginRejected         Code = "ORIGIN_REJECTED"
	CodeSessionNotFound        Code = "SESSION_NOT_FOUND"
	CodeAgentNotFound          Code = "AGENT_NOT_FOUND"
	CodeRunNotFound            Code = "RUN_NOT_FOUND"
	CodeRunCancelled           Code = "RUN_CANCELLED"
	CodeExecDenied             Code = "EXEC_DENIED"
	CodePluginError            Code = "PLUGIN_ERROR"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// retryableByDefault marks the codes whose failures are transient from
// the client's perspective: the same request may succeed if simply
// retried later. Everything else defaults to non-retryable.
var retryableByDefault = map[Code]bool{
	CodeRateLimited: true,
	CodeInternal:    true,
}

// Error is the structured error that crosses the wire. Callers use
// errors.As to extract it:
//
//	var wireErr *wire.Error
//	if errors.As(err, &wireErr) {
//	    if wireErr.Code == wire.CodeRateLimited { ... }
//	}
type Error struct {
	// Code is the stable machine-readable code.
	Code Code `json:"code"`
	// Message is a human-readable description safe to show to the
	// caller. Internal error detail never goes here.
	Message string `json:"message"`
	// Retryable tells the client whether retrying the identical
	// request can succeed.
	Retryable bool `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with the code's default retryability.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableByDefault[code],
	}
}

// WithRetryable returns a copy of e with the retryable flag
// overridden. Used where retryability depends on circumstances rather
// than the code (an exec approval failing because the node is offline
// is retryable; one failing because the request was denied is not).
func (e *Error) WithRetryable(retryable bool) *Error {
	clone := *e
	clone.Retryable = retryable
	return &clone
}

// IsCode reports whether err is (or wraps) a *Error with the given
// code.
func IsCode(err error, code Code) bool {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr.Code == code
	}
	return false
}

// AsError converts any error into the *Error that should cross the
// wire. A *Error passes through unchanged; anything else becomes an
// INTERNAL_ERROR with a generic message so internal detail stays
// inside the process.
func AsError(err error) *Error {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.WireError()
	}
	return &Error{
		Code:      CodeInternal,
		Message:   "internal error",
		Retryable: true,
	}
}

// Issue is one structural problem found while validating a frame or
// its params.
type Issue struct {
	// Path locates the offending field ("params.agent_id").
	Path string `json:"path"`
	// Message says what is wrong with it.
	Message string `json:"message"`
}

// ValidationError aggregates every issue found in one request so the
// client can fix them all at once.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid request"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Path + ": " + issue.Message
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Add appends an issue and returns e for chaining during field walks.
func (e *ValidationError) Add(path, message string) *ValidationError {
	e.Issues = append(e.Issues, Issue{Path: path, Message: message})
	return e
}

// Empty reports whether no issues were recorded.
func (e *ValidationError) Empty() bool { return len(e.Issues) == 0 }

// OrNil returns nil when no issues were recorded, e otherwise. Params
// validators build an empty ValidationError, walk their fields, and
// return OrNil.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

// WireError maps the validation failure to the INVALID_PARAMS wire
// error, preserving the per-field issue list in the message.
func (e *ValidationError) WireError() *Error {
	return &Error{
		Code:      CodeInvalidParams,
		Message:   e.Error(),
		Retryable: false,
	}
}
