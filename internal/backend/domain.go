// Package backend holds the HTTP adapters for the ticket backend: Public for
// unauthenticated calls and Secure for calls carrying the client's
// application token.
package backend

import "errors"

// Profile is the backend-owned user record.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Photo string `json:"photo,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ProfileInput is the payload for idempotent profile provisioning.
type ProfileInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Photo string `json:"photo,omitempty"`
}

var (
	// ErrUnauthorized is returned when no application token is available or the
	// backend rejects it.
	ErrUnauthorized = errors.New("backend: unauthorized")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("backend: not found")
	// ErrConflict is returned for 409 responses.
	ErrConflict = errors.New("backend: conflict")
	// ErrRejected is returned for other 4xx responses.
	ErrRejected = errors.New("backend: request rejected")
	// ErrUnavailable covers network failures, 5xx responses and an open breaker.
	ErrUnavailable = errors.New("backend: unavailable")
	// ErrBadResponse is returned when a 2xx body cannot be decoded.
	ErrBadResponse = errors.New("backend: malformed response")
)
