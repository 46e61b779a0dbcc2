package calendly

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth means the provider token is invalid, expired, or lacks scope.
	ErrAuth = errors.New("calendly authentication failed")
	// ErrConflict means a subscription already exists for the scope and callback.
	ErrConflict = errors.New("calendly subscription already exists")
	// ErrNotFound means the addressed provider resource does not exist.
	ErrNotFound = errors.New("calendly resource not found")
)

// APIError is a non-2xx provider response. It keeps the status code and
// body so callers can decide on retries.
type APIError struct {
	Op         string
	StatusCode int
	Title      string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("calendly %s: status %d", e.Op, e.StatusCode)
	if e.Title != "" {
		msg += ": " + e.Title
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusConflict:
		return ErrConflict
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	default:
		return nil
	}
}
