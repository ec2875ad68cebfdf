package tado

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors callers branch on. APIError unwraps to one of these
// based on the HTTP status, so errors.Is works through the wrapping.
var (
	// ErrAuthExpired means the bearer token was rejected.
	ErrAuthExpired = errors.New("tado: authentication expired")

	// ErrQuotaExhausted means the service refused the call because the
	// daily quota is spent.
	ErrQuotaExhausted = errors.New("tado: daily quota exhausted")

	// ErrConflict means the target is already in the requested state.
	ErrConflict = errors.New("tado: state already applied")

	// ErrValidation means a payload was rejected locally, before any
	// quota was spent on it.
	ErrValidation = errors.New("tado: invalid request")
)

// APIError describes a non-2xx response. Quota headers are preserved
// when the service includes them on error responses.
type APIError struct {
	StatusCode int
	Body       string
	Quota      *Quota
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tado: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("tado: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps well-known statuses onto the sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusTooManyRequests:
		return ErrQuotaExhausted
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}
