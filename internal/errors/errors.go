package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Cart
	ErrCodeCartFull        ErrorCode = "CART_FULL"
	ErrCodeItemUnavailable ErrorCode = "ITEM_UNAVAILABLE"

	// Challenge
	ErrCodeChallengeExpired  ErrorCode = "CHALLENGE_EXPIRED"
	ErrCodeChallengeMismatch ErrorCode = "CHALLENGE_MISMATCH"

	// Download session
	ErrCodeSessionExpired ErrorCode = "SESSION_EXPIRED"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"

	// Token
	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired     ErrorCode = "TOKEN_EXPIRED"
	ErrCodeTokenAlreadyUsed ErrorCode = "TOKEN_ALREADY_USED"

	// Delivery
	ErrCodeRangeNotSatisfiable ErrorCode = "RANGE_NOT_SATISFIABLE"
	ErrCodeTransientIO         ErrorCode = "TRANSIENT_IO"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// RetryDetails is attached to rate limit errors so clients can back off.
type RetryDetails struct {
	RetryAfterSeconds int `json:"retryAfterSeconds"`
}

// Common error constructors

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func CartFull(limit int) *AppError {
	return New(ErrCodeCartFull, fmt.Sprintf("Cart is full (maximum %d items)", limit))
}

func ItemUnavailable(itemID string, reason string) *AppError {
	return New(ErrCodeItemUnavailable, fmt.Sprintf("Item %s is unavailable: %s", itemID, reason))
}

func ChallengeExpired() *AppError {
	return New(ErrCodeChallengeExpired, "Verification code has expired")
}

func ChallengeMismatch() *AppError {
	return New(ErrCodeChallengeMismatch, "Invalid verification code")
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "Download session has expired")
}

func InvalidState(message string) *AppError {
	return New(ErrCodeInvalidState, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func TokenExpired() *AppError {
	return New(ErrCodeTokenExpired, "Download token has expired")
}

func TokenAlreadyUsed() *AppError {
	return New(ErrCodeTokenAlreadyUsed, "Download token has already been used")
}

func RangeNotSatisfiable(size int64) *AppError {
	return New(ErrCodeRangeNotSatisfiable, "Requested range not satisfiable").
		WithDetails(map[string]int64{"size": size})
}

func TransientIO(cause error) *AppError {
	return Wrap(ErrCodeTransientIO, "Storage temporarily unavailable", cause)
}

func RateLimitExceeded(retryAfter time.Duration) *AppError {
	seconds := int(retryAfter.Seconds())
	if retryAfter%time.Second != 0 {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded").
		WithDetails(RetryDetails{RetryAfterSeconds: seconds})
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// RetryAfter extracts the retry hint from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	appErr, ok := AsAppError(err)
	if !ok {
		return 0, false
	}
	details, ok := appErr.Details.(RetryDetails)
	if !ok {
		return 0, false
	}
	return time.Duration(details.RetryAfterSeconds) * time.Second, true
}
