// Package identity binds the external identity provider (sign-up, sign-in,
// Google sign-in, profile update, sign-out) and publishes session changes per
// client.
package identity

import (
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Principal is a verified identity as reported by the provider.
type Principal struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName,omitempty"`
	PhotoURL      string `json:"photoURL,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
}

// Credentials carries an email/password pair.
type Credentials struct {
	Email    string
	Password string
}

// ProfileUpdate holds the provider-side profile fields that can be changed.
type ProfileUpdate struct {
	DisplayName string
	PhotoURL    string
}

// Event reports that the identity bound to a client changed. A nil Principal
// means the client signed out.
type Event struct {
	Key       string
	Principal *Principal
	// Trace is the span of the request that caused the change, if any.
	Trace trace.SpanContext
}

var (
	// ErrEmailExists is returned when signing up with a registered email.
	ErrEmailExists = errors.New("identity: email already registered")
	// ErrInvalidCredential is returned for unknown accounts or wrong passwords.
	ErrInvalidCredential = errors.New("identity: invalid credential")
	// ErrWeakPassword is returned when the provider rejects the password.
	ErrWeakPassword = errors.New("identity: weak password")
	// ErrProvider wraps provider and transport failures.
	ErrProvider = errors.New("identity: provider failure")
)
