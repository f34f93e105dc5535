// Package apperr defines the caller-visible error taxonomy shared by the
// sync engine and its HTTP surface.
package apperr

import (
	"errors"
	"net/http"
)

// Code identifies a caller-visible error condition. Codes are strings so they
// serialise naturally into JSON error payloads.
type Code string

const (
	// CodeUnauthorized means the request carried no valid credentials.
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeForbidden means the caller is authenticated but does not own the resource.
	CodeForbidden Code = "FORBIDDEN"
	// CodeNotFound means the addressed site or blob does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidInput means the request body or manifest is malformed.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodePayloadTooLarge means the manifest exceeds the file count or total size limit.
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	// CodeFileTooLarge means a single manifest entry exceeds the per-file size limit.
	CodeFileTooLarge Code = "FILE_TOO_LARGE"
	// CodeConflict means the requested state change is not allowed from the current state.
	CodeConflict Code = "CONFLICT"
	// CodeInternal is used for everything else.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is an error with a code and a message safe to show to callers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that keeps err as its cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code onto an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodePayloadTooLarge, CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Payload is the JSON body written for failed requests.
type Payload struct {
	Error   Code   `json:"error"`
	Message string `json:"message"`
}

// ToPayload converts err to a Payload. Errors without a code are reported as
// internal without leaking their text.
func ToPayload(err error) Payload {
	var e *Error
	if errors.As(err, &e) {
		return Payload{Error: e.Code, Message: e.Message}
	}
	return Payload{Error: CodeInternal, Message: "internal error"}
}
