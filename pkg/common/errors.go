package common

import (
	"errors"
	"net/http"
)

// Machine-readable error codes returned in the error envelope. Clients key
// off these, never off the message text.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeAuthentication     = "AUTHENTICATION_ERROR"
	CodeAuthorization      = "AUTHORIZATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeIdempotencyReplay  = "IDEMPOTENCY_REPLAY"
	CodePaymentUnavailable = "PAYMENT_UNAVAILABLE"
	CodePayment            = "PAYMENT_ERROR"
	CodeConfiguration      = "CONFIGURATION_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeNotImplemented     = "NOT_IMPLEMENTED"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("resource conflict")
	ErrValidation   = errors.New("validation error")
)

// AppError is an application error carrying the HTTP status and machine code.
// The wrapped cause is logged but never serialised to clients.
type AppError struct {
	Status    int    `json:"-"`
	ErrorCode string `json:"code"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates an AppError with an explicit status and machine code.
func NewAppError(status int, errorCode, message string, err error) *AppError {
	return &AppError{Status: status, ErrorCode: errorCode, Message: message, Err: err}
}

func NewValidationError(message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, ErrorCode: CodeValidation, Message: message, Err: ErrValidation}
}

func NewAuthenticationError(message string) *AppError {
	return &AppError{Status: http.StatusUnauthorized, ErrorCode: CodeAuthentication, Message: message, Err: ErrUnauthorized}
}

func NewAuthorizationError(message string) *AppError {
	return &AppError{Status: http.StatusForbidden, ErrorCode: CodeAuthorization, Message: message, Err: ErrForbidden}
}

func NewNotFoundError(message string, err error) *AppError {
	return &AppError{Status: http.StatusNotFound, ErrorCode: CodeNotFound, Message: message, Err: err}
}

func NewConflictError(message string) *AppError {
	return &AppError{Status: http.StatusConflict, ErrorCode: CodeConflict, Message: message, Err: ErrConflict}
}

func NewPaymentError(message string, err error) *AppError {
	return &AppError{Status: http.StatusInternalServerError, ErrorCode: CodePayment, Message: message, Err: err}
}

func NewPaymentUnavailableError(message string) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, ErrorCode: CodePaymentUnavailable, Message: message}
}

func NewConfigurationError(message string) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, ErrorCode: CodeConfiguration, Message: message}
}

func NewInternalError(message string, err error) *AppError {
	return &AppError{Status: http.StatusInternalServerError, ErrorCode: CodeInternal, Message: message, Err: err}
}

// AsAppError unwraps err into an *AppError, falling back to a generic
// internal error so handlers never leak raw causes.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError("internal server error", err)
}
