package domain

import (
	"errors"
	"net/http"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrForbidden      = errors.New("forbidden")
	ErrPersistence    = errors.New("persistence failed")
	ErrUnavailable    = errors.New("service unavailable")
)

// ErrorCode maps an error onto the wire code and HTTP status reported to the
// initiator of an operation.
func ErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "unauthenticated", http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return "invalid", http.StatusBadRequest
	case errors.Is(err, ErrPersistence):
		return "persistence", http.StatusInternalServerError
	case errors.Is(err, ErrUnavailable):
		return "unavailable", http.StatusServiceUnavailable
	default:
		return "internal", http.StatusInternalServerError
	}
}
