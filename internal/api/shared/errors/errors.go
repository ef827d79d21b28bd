package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/neuralcloud/deployd/internal/domain"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Client errors (4xx)
	ErrCodeBadRequest          ErrorCode = "bad_request"
	ErrCodeNotFound            ErrorCode = "not_found"
	ErrCodeValidationFailed    ErrorCode = "validation_failed"
	ErrCodeUnauthorized        ErrorCode = "unauthorized"
	ErrCodeForbidden           ErrorCode = "forbidden"
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"
	ErrCodeInvalidTransition   ErrorCode = "invalid_transition"
	ErrCodeRateLimited         ErrorCode = "rate_limited"

	// Server errors (5xx)
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodePaymentFailed ErrorCode = "payment_failed"
)

// APIError represents a structured API error that carries error code and details
type APIError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Transient bool      `json:"transient,omitempty"`
	Shortfall string    `json:"shortfall,omitempty"`
}

func (e *APIError) Error() string {
	jsonErr, _ := json.Marshal(e)
	return string(jsonErr)
}

// Error constructors for common error types
func NewBadRequestError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeBadRequest,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewNotFoundError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeNotFound,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewValidationError(details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeValidationFailed,
		Message: "Validation failed",
		Details: strings.Join(details, ", "),
	}
}

func NewUnauthorizedError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewForbiddenError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeForbidden,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewRateLimitedError(details ...string) *APIError {
	return &APIError{
		Code:      ErrCodeRateLimited,
		Message:   "Too many requests",
		Details:   strings.Join(details, ", "),
		Transient: true,
	}
}

func NewInternalError(message string, details ...string) *APIError {
	return &APIError{
		Code:    ErrCodeInternalError,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

// FromError classifies a domain error into an HTTP status and an API error.
// Unknown errors map to 500 and their text is not exposed.
func FromError(err error) (int, *APIError) {
	var funds *domain.InsufficientFundsError
	switch {
	case errors.As(err, &funds):
		return http.StatusPaymentRequired, &APIError{
			Code:      ErrCodeInsufficientBalance,
			Message:   "Insufficient balance",
			Details:   err.Error(),
			Shortfall: funds.Shortfall().String(),
		}
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, &APIError{
			Code:    ErrCodeInsufficientBalance,
			Message: "Insufficient balance",
			Details: err.Error(),
		}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, NewNotFoundError("Resource not found", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrPaymentNotConfirmed):
		return http.StatusConflict, &APIError{
			Code:    ErrCodeInvalidTransition,
			Message: "Invalid status transition",
			Details: err.Error(),
		}
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidConfig),
		errors.Is(err, domain.ErrUnsupportedAsset):
		return http.StatusUnprocessableEntity, NewValidationError(err.Error())
	case errors.Is(err, domain.ErrExternalSubmissionFailed),
		errors.Is(err, domain.ErrExternalConfirmationFailed),
		errors.Is(err, domain.ErrConfirmationTimeout),
		errors.Is(err, domain.ErrDeploymentCanceled):
		return http.StatusBadGateway, &APIError{
			Code:      ErrCodePaymentFailed,
			Message:   "Payment failed",
			Details:   err.Error(),
			Transient: domain.IsTransient(err),
		}
	default:
		return http.StatusInternalServerError, NewInternalError("Internal server error")
	}
}
