package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/mernickets/portal/internal/backend"
	"github.com/mernickets/portal/internal/identity"
)

// Identity is the identity provider binding. Successful calls publish the
// change to the session synchronizer before returning.
type Identity interface {
	SignUp(ctx context.Context, key string, creds identity.Credentials) (*identity.Principal, error)
	SignIn(ctx context.Context, key string, creds identity.Credentials) (*identity.Principal, error)
	SignInWithGoogle(ctx context.Context, key, idToken string) (*identity.Principal, error)
	UpdateProfile(ctx context.Context, key, uid string, update identity.ProfileUpdate) (*identity.Principal, error)
	SignOut(ctx context.Context, key, uid string) error
}

// Profiles provisions backend profiles.
type Profiles interface {
	UpsertProfile(ctx context.Context, in backend.ProfileInput) (*backend.Profile, error)
}

// Reconciler tracks profile upserts that failed after the identity account
// was created.
type Reconciler interface {
	Schedule(ctx context.Context, in backend.ProfileInput) error
	Pending(ctx context.Context, email string) (backend.ProfileInput, bool, error)
	Resolve(ctx context.Context, email string) error
}

// Service wraps authentication business rules.
type Service struct {
	identity   Identity
	profiles   Profiles
	reconciler Reconciler
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewService constructs a new Service. reconciler may be nil, in which case
// orphaned identities are only reported.
func NewService(id Identity, profiles Profiles, reconciler Reconciler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		identity:   id,
		profiles:   profiles,
		reconciler: reconciler,
		validate:   newValidator(),
		logger:     logger,
	}
}

// Register creates the identity account, sets its display name and photo and
// provisions the backend profile. Input is validated before the provider is
// contacted. A failed upsert leaves the account in place and returns
// *OrphanedIdentityError.
func (s *Service) Register(ctx context.Context, key string, in RegisterInput) (*identity.Principal, error) {
	in = in.normalized()
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	principal, err := s.identity.SignUp(ctx, key, identity.Credentials{Email: in.Email, Password: in.Password})
	if err != nil {
		return nil, identityError(err)
	}

	name := in.Name
	if name == "" {
		name = DefaultDisplayName
	}
	updated, err := s.identity.UpdateProfile(ctx, key, principal.UID, identity.ProfileUpdate{DisplayName: name, PhotoURL: in.PhotoURL})
	if err != nil {
		s.logger.Warn("update identity profile", slog.String("uid", principal.UID), slog.Any("error", err))
	} else {
		principal = updated
	}

	if err := s.provision(ctx, principal, backend.ProfileInput{Name: name, Email: principal.Email, Photo: in.PhotoURL}); err != nil {
		return principal, err
	}
	return principal, nil
}

// Login signs the client in with email and password.
func (s *Service) Login(ctx context.Context, key string, in LoginInput) (*identity.Principal, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	principal, err := s.identity.SignIn(ctx, key, identity.Credentials{Email: in.Email, Password: in.Password})
	if err != nil {
		return nil, identityError(err)
	}
	return principal, nil
}

// LoginWithGoogle signs the client in with a Google id token and makes sure
// the backend profile exists.
func (s *Service) LoginWithGoogle(ctx context.Context, key, idToken string) (*identity.Principal, error) {
	if idToken == "" {
		return nil, &ValidationError{Fields: map[string]string{"idToken": "is required"}}
	}
	principal, err := s.identity.SignInWithGoogle(ctx, key, idToken)
	if err != nil {
		return nil, identityError(err)
	}
	name := principal.DisplayName
	if name == "" {
		name = DefaultDisplayName
	}
	if err := s.provision(ctx, principal, backend.ProfileInput{Name: name, Email: principal.Email, Photo: principal.PhotoURL}); err != nil {
		return principal, err
	}
	return principal, nil
}

// Logout signs uid out of the provider. The client's token and role are
// cleared before Logout returns, even when the provider call fails.
func (s *Service) Logout(ctx context.Context, key, uid string) {
	if err := s.identity.SignOut(ctx, key, uid); err != nil {
		s.logger.Warn("sign out", slog.String("client", key), slog.Any("error", err))
	}
}

// Reconcile retries the pending profile upsert for email.
func (s *Service) Reconcile(ctx context.Context, email string) (*backend.Profile, error) {
	if s.reconciler == nil {
		return nil, ErrNothingPending
	}
	in, ok, err := s.reconciler.Pending(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load pending reconciliation: %w", err)
	}
	if !ok {
		return nil, ErrNothingPending
	}
	profile, err := s.profiles.UpsertProfile(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if err := s.reconciler.Resolve(ctx, email); err != nil {
		s.logger.Warn("clear pending reconciliation", slog.String("email", email), slog.Any("error", err))
	}
	return profile, nil
}

func (s *Service) provision(ctx context.Context, principal *identity.Principal, in backend.ProfileInput) error {
	if _, err := s.profiles.UpsertProfile(ctx, in); err != nil {
		orphan := &OrphanedIdentityError{UID: principal.UID, Email: in.Email, Err: err}
		if s.reconciler != nil {
			if serr := s.reconciler.Schedule(ctx, in); serr != nil {
				s.logger.Error("schedule profile reconciliation", slog.String("email", in.Email), slog.Any("error", serr))
			} else {
				orphan.Scheduled = true
			}
		}
		s.logger.Error("provision backend profile", slog.String("email", in.Email), slog.Bool("scheduled", orphan.Scheduled), slog.Any("error", err))
		return orphan
	}
	return nil
}

func identityError(err error) error {
	switch {
	case errors.Is(err, identity.ErrEmailExists):
		return ErrIdentityConflict
	case errors.Is(err, identity.ErrInvalidCredential):
		return ErrInvalidCredential
	case errors.Is(err, identity.ErrWeakPassword):
		return &ValidationError{Fields: map[string]string{"password": "rejected by the identity provider"}}
	default:
		return fmt.Errorf("%w: %w", ErrProvider, err)
	}
}
