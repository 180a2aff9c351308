package auth

import (
	"errors"
	"net/http"
)

var (
	// ErrUnauthorized reports a missing or unverifiable bearer token.
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrForbidden reports a role grant or run ownership check that failed.
	ErrForbidden = errors.New("auth: forbidden")

	ErrInvalidToken = errors.New("auth: invalid token")
)

// StatusCode maps an authorization failure to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
