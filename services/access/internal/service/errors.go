package service

import (
	"errors"
	"net/http"

	"github.com/diagnosis/labbooking/pkg/otp"
)

// Error is a client-facing failure of an access operation.
type Error struct {
	Code    string
	Status  int
	Message string
}

var (
	ErrInvalidCredentials = &Error{Code: "INVALID_CREDENTIALS", Status: http.StatusUnauthorized, Message: "Invalid email or password"}
	ErrEmailExists        = &Error{Code: "EMAIL_EXISTS", Status: http.StatusConflict, Message: "An account with this email already exists"}
	ErrUserNotFound       = &Error{Code: "NOT_FOUND", Status: http.StatusNotFound, Message: "User not found"}
	ErrInvalidCode        = &Error{Code: "INVALID_CODE", Status: http.StatusBadRequest, Message: "Invalid or expired verification code"}
)

func (e *Error) Error() string         { return e.Code + ": " + e.Message }
func (e *Error) ErrorCode() string     { return e.Code }
func (e *Error) HTTPStatus() int       { return e.Status }
func (e *Error) PublicMessage() string { return e.Message }

func invalidInput(err error) *Error {
	return &Error{Code: "INVALID_INPUT", Status: http.StatusBadRequest, Message: err.Error()}
}

// codeError maps verification failures onto client errors. Errors that
// already carry a public rendering pass through, and so do dependency
// failures such as an undeliverable code, which render as a generic 500.
func codeError(err error) error {
	var verr *otp.VerifyError
	switch {
	case errors.As(err, &verr):
		return err
	case errors.Is(err, otp.ErrInvalidCode):
		return ErrInvalidCode
	}
	return err
}
