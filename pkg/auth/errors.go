package auth

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeMissingToken      = "MISSING_TOKEN"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeAccountInactive   = "ACCOUNT_INACTIVE"
	CodeAccountUnverified = "ACCOUNT_UNVERIFIED"
	CodeForbidden         = "FORBIDDEN"
	CodeInternalError     = "INTERNAL_ERROR"
)

// AuthError is a terminal authentication or authorization denial.
type AuthError struct {
	Code       string
	StatusCode int
	Message    string
	cause      error
}

var (
	ErrMissingToken      = &AuthError{Code: CodeMissingToken, StatusCode: http.StatusUnauthorized, Message: "Authentication required"}
	ErrInvalidToken      = &AuthError{Code: CodeInvalidToken, StatusCode: http.StatusUnauthorized, Message: "Invalid or expired token"}
	ErrAccountInactive   = &AuthError{Code: CodeAccountInactive, StatusCode: http.StatusUnauthorized, Message: "Account is not active"}
	ErrAccountUnverified = &AuthError{Code: CodeAccountUnverified, StatusCode: http.StatusUnauthorized, Message: "Account email is not verified"}
	ErrForbidden         = &AuthError{Code: CodeForbidden, StatusCode: http.StatusForbidden, Message: "Insufficient permissions"}
	ErrInternal          = &AuthError{Code: CodeInternalError, StatusCode: http.StatusInternalServerError, Message: "Internal server error"}

	ErrSubjectNotFound = errors.New("auth: subject not found")
)

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *AuthError) Unwrap() error { return e.cause }

// Is matches any AuthError with the same code.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Code == e.Code
}

func (e *AuthError) ErrorCode() string     { return e.Code }
func (e *AuthError) HTTPStatus() int       { return e.StatusCode }
func (e *AuthError) PublicMessage() string { return e.Message }

// withCause keeps the public surface of e and records cause for logs.
func (e *AuthError) withCause(cause error) *AuthError {
	c := *e
	c.cause = cause
	return &c
}
