package oauth2

import (
	"errors"
	"fmt"
	"net/http"
)

// RFC 6749 error codes.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
	CodeAccessDenied         = "access_denied"
	CodeServerError          = "server_error"
)

// Error is the closed set of failures the engine returns. Code and Status
// map directly onto the RFC 6749 §5.2 response; Description is safe to show
// to callers and never explains why a credential was rejected.
type Error struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is makes errors.Is match on the error code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// AsError extracts an *Error from err, or wraps err as a server_error so the
// transport layer always has a status to map.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError("")
}

func newError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

var (
	ErrInvalidRequest = func(desc string) *Error {
		return newError(CodeInvalidRequest, desc, http.StatusBadRequest)
	}
	ErrInvalidClient = func(desc string) *Error {
		return newError(CodeInvalidClient, desc, http.StatusUnauthorized)
	}
	ErrInvalidGrant = func(desc string) *Error {
		return newError(CodeInvalidGrant, desc, http.StatusBadRequest)
	}
	ErrUnauthorizedClient = func(desc string) *Error {
		return newError(CodeUnauthorizedClient, desc, http.StatusUnauthorized)
	}
	ErrUnsupportedGrantType = func(desc string) *Error {
		return newError(CodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}
	ErrInvalidScope = func(desc string) *Error {
		return newError(CodeInvalidScope, desc, http.StatusBadRequest)
	}
	ErrAccessDenied = func(desc string) *Error {
		return newError(CodeAccessDenied, desc, http.StatusForbidden)
	}
	ErrServerError = func(desc string) *Error {
		return newError(CodeServerError, desc, http.StatusInternalServerError)
	}
)
