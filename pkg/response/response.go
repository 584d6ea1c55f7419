package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/diagnosis/labbooking/pkg/logger"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Coded is implemented by errors that know how they should be rendered.
type Coded interface {
	error
	ErrorCode() string
	HTTPStatus() int
	PublicMessage() string
}

type detailer interface {
	Details() map[string]any
}

type headerSetter interface {
	SetHeaders(h http.Header)
}

const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeForbidden     = "FORBIDDEN"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeInternalError = "INTERNAL_ERROR"
	CodeEmailExists   = "EMAIL_EXISTS"
)

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// WriteError writes a structured JSON error response
func WriteError(w http.ResponseWriter, statusCode int, message, code string) {
	JSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// WriteErr renders err through its Coded implementation when it has one.
// Anything else is logged and reported as a generic 500 so internal detail
// never reaches the client.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	var coded Coded
	if !errors.As(err, &coded) {
		logger.ErrorContext(r.Context(), "Unhandled error", "error", err, "path", r.URL.Path)
		InternalError(w, "Internal server error")
		return
	}

	if hs, ok := coded.(headerSetter); ok {
		hs.SetHeaders(w.Header())
	}
	resp := ErrorResponse{Error: coded.PublicMessage(), Code: coded.ErrorCode()}
	if d, ok := coded.(detailer); ok {
		resp.Details = d.Details()
	}
	JSON(w, coded.HTTPStatus(), resp)
}

func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message, CodeInvalidInput)
}

func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, message, CodeUnauthorized)
}

func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, message, CodeForbidden)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message, CodeNotFound)
}

func Conflict(w http.ResponseWriter, message, code string) {
	WriteError(w, http.StatusConflict, message, code)
}

func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message, CodeInternalError)
}
