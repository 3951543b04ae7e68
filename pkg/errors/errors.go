package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Call session errors
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeUnknownSession    ErrorCode = "UNKNOWN_SESSION"
	ErrCodeUnknownPeer       ErrorCode = "UNKNOWN_PEER"
	ErrCodeCapacityExceeded  ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeMediaAcquisition  ErrorCode = "MEDIA_ACQUISITION_FAILED"
	ErrCodeMalformedPayload  ErrorCode = "MALFORMED_PAYLOAD"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message.
// The status code defaults to 500 Internal Server Error.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authentication errors
func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// Call session errors

// InvalidTransitionError reports an event that the session's current state does not accept
func InvalidTransitionError(state, event string) *AppError {
	return NewWithStatus(ErrCodeInvalidTransition,
		fmt.Sprintf("event %s not allowed in state %s", event, state),
		http.StatusConflict)
}

func UnknownSessionError(sessionID string) *AppError {
	return NewWithStatus(ErrCodeUnknownSession, fmt.Sprintf("session %s not found", sessionID), http.StatusNotFound)
}

func UnknownPeerError(peerID string) *AppError {
	return NewWithStatus(ErrCodeUnknownPeer, fmt.Sprintf("peer %s is not part of the session", peerID), http.StatusNotFound)
}

func CapacityExceededError(limit int) *AppError {
	return NewWithStatus(ErrCodeCapacityExceeded,
		fmt.Sprintf("group call is limited to %d members", limit),
		http.StatusUnprocessableEntity)
}

func MediaAcquisitionError(err error) *AppError {
	return WrapWithStatus(ErrCodeMediaAcquisition, "Failed to acquire local media", http.StatusServiceUnavailable, err)
}

func MalformedPayloadError(message string, err error) *AppError {
	return WrapWithStatus(ErrCodeMalformedPayload, message, http.StatusBadRequest, err)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error is, or wraps, an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

// IsUserFacing reports whether err must be surfaced to the local user.
// Everything else is logged and dropped by the transport.
func IsUserFacing(err error) bool {
	return HasCode(err, ErrCodeCapacityExceeded) || HasCode(err, ErrCodeMediaAcquisition)
}
