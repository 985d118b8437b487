package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Wire codes returned to the game aggregator and API clients.
const (
	CodeInvalidParameter    = "INVALID_PARAMETER"
	CodeInvalidUser         = "INVALID_USER"
	CodeInvalidMethod       = "INVALID_METHOD"
	CodeInsufficientFunds   = "INSUFFICIENT_USER_FUNDS"
	CodeOrderNotFound       = "ORDER_NOT_FOUND"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeDuplicate           = "DUPLICATE"
	CodeInternal            = "INTERNAL_ERROR"
)

type AppError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// Is matches on Code so that an error carrying extra details still compares
// equal to the package sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(format string, args ...interface{}) *AppError {
	return &AppError{
		Status:  e.Status,
		Code:    e.Code,
		Message: e.Message,
		Details: fmt.Sprintf(format, args...),
	}
}

func NewAppError(status int, code, message string) *AppError {
	return &AppError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

var (
	ErrInvalidParameter    = NewAppError(http.StatusBadRequest, CodeInvalidParameter, "Invalid parameter")
	ErrInvalidUser         = NewAppError(http.StatusNotFound, CodeInvalidUser, "User not found")
	ErrInvalidMethod       = NewAppError(http.StatusBadRequest, CodeInvalidMethod, "Invalid method")
	ErrInsufficientFunds   = NewAppError(http.StatusUnprocessableEntity, CodeInsufficientFunds, "Insufficient funds")
	ErrOrderNotFound       = NewAppError(http.StatusNotFound, CodeOrderNotFound, "Payment order not found")
	ErrUpstreamUnavailable = NewAppError(http.StatusBadGateway, CodeUpstreamUnavailable, "Upstream service unavailable")
	ErrInvalidTransition   = NewAppError(http.StatusConflict, CodeInvalidTransition, "Invalid status transition")
	ErrDuplicate           = NewAppError(http.StatusConflict, CodeDuplicate, "Duplicate record")
)

// Code extracts the wire code of err, or INTERNAL_ERROR.
func Code(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus extracts the HTTP status of err, or 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
