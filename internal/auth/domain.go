// Package auth implements registration, sign-in and sign-out on top of the
// identity provider and provisions the matching backend profile.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultDisplayName is used when a registration carries no name.
const DefaultDisplayName = "No Name"

// RegisterInput is a sign-up request.
type RegisterInput struct {
	Name     string `json:"name" validate:"max=120"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,password"`
	PhotoURL string `json:"photoURL" validate:"omitempty,url"`
}

func (in RegisterInput) normalized() RegisterInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.PhotoURL = strings.TrimSpace(in.PhotoURL)
	return in
}

// LoginInput is an email and password sign-in request.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

var (
	// ErrWeakCredential is returned when the password fails policy.
	ErrWeakCredential = errors.New("auth: weak credential")
	// ErrIdentityConflict is returned when the email is already registered.
	ErrIdentityConflict = errors.New("auth: email already registered")
	// ErrInvalidCredential is returned for unknown accounts or wrong passwords.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrProvider covers identity provider failures.
	ErrProvider = errors.New("auth: identity provider error")
	// ErrBackendUnavailable is returned when the backend profile could not be
	// provisioned.
	ErrBackendUnavailable = errors.New("auth: backend unavailable")
	// ErrNothingPending is returned by Reconcile when no upsert is pending.
	ErrNothingPending = errors.New("auth: no pending reconciliation")
)

// ValidationError carries per-field messages. A failing password field makes
// it match ErrWeakCredential.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	return fmt.Sprintf("auth: invalid input: %s", strings.Join(keys, ", "))
}

// Is reports ErrWeakCredential when the password was rejected.
func (e *ValidationError) Is(target error) bool {
	if target != ErrWeakCredential {
		return false
	}
	_, weak := e.Fields["password"]
	return weak
}

// OrphanedIdentityError reports an identity account that exists without a
// backend profile. A reconciliation has been scheduled when Scheduled is set.
type OrphanedIdentityError struct {
	UID       string
	Email     string
	Scheduled bool
	Err       error
}

func (e *OrphanedIdentityError) Error() string {
	return fmt.Sprintf("auth: identity %s has no backend profile: %v", e.Email, e.Err)
}

// Unwrap exposes ErrBackendUnavailable and the upsert failure.
func (e *OrphanedIdentityError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}
