package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string categorizing application errors. Codes are
// grouped by the boundary the error belongs to, which determines how far it
// is allowed to propagate (see the reconcile package).
type ErrorCode string

const (
	// Fatal startup errors. These abort the process.
	ErrCodeConfigInvalid ErrorCode = "config_invalid"
	ErrCodeAuthorization ErrorCode = "authorization_failed"

	// Source-tick errors. Skip the source for this pass, continue others.
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamPermission  ErrorCode = "upstream_permission_denied"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRejected    ErrorCode = "upstream_request_rejected"
	ErrCodeCircuitOpen         ErrorCode = "upstream_circuit_open"

	// Record-delivery errors. Skip the record, do not mark the ledger.
	ErrCodeChannelNotFound     ErrorCode = "delivery_channel_not_found"
	ErrCodeMissingReferenceURL ErrorCode = "delivery_missing_reference_url"
	ErrCodeDeliveryRejected    ErrorCode = "delivery_rejected"

	// Persistence errors. Logged; in-memory state stays ahead of disk.
	ErrCodeLedgerPersist ErrorCode = "ledger_persist_failed"

	// Everything else.
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// IsTransient reports whether an error code describes a condition that is
// expected to clear on its own (rate limits, upstream outages). The
// classification is used for logging only; the reconciler retries nothing
// within a pass and simply picks the work up again on the next tick.
func (c ErrorCode) IsTransient() bool {
	switch c {
	case ErrCodeUpstreamRateLimited, ErrCodeUpstreamUnavailable, ErrCodeCircuitOpen:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type. Domain and collaborator
// errors are expressed as AppError so call sites can branch on Code and log
// a stable classification.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates an AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) an AppError,
// falling back to ErrCodeInternalUnexpected.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
