package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mernickets/portal/internal/backend"
	"github.com/mernickets/portal/internal/identity"
)

// countingProvider records every call that reaches the identity provider.
type countingProvider struct {
	*identity.MemoryProvider
	mu    sync.Mutex
	calls []string
}

func (c *countingProvider) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *countingProvider) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *countingProvider) SignUp(ctx context.Context, key string, creds identity.Credentials) (*identity.Principal, error) {
	c.record("signUp")
	return c.MemoryProvider.SignUp(ctx, key, creds)
}

func (c *countingProvider) SignIn(ctx context.Context, key string, creds identity.Credentials) (*identity.Principal, error) {
	c.record("signIn")
	return c.MemoryProvider.SignIn(ctx, key, creds)
}

type stubProfiles struct {
	mu     sync.Mutex
	err    error
	inputs []backend.ProfileInput
}

func (s *stubProfiles) UpsertProfile(ctx context.Context, in backend.ProfileInput) (*backend.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	if s.err != nil {
		return nil, s.err
	}
	return &backend.Profile{Name: in.Name, Email: in.Email, Photo: in.Photo, Role: "user"}, nil
}

type memoryReconciler struct {
	mu      sync.Mutex
	pending map[string]backend.ProfileInput
}

func (m *memoryReconciler) Schedule(ctx context.Context, in backend.ProfileInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[in.Email] = in
	return nil
}

func (m *memoryReconciler) Pending(ctx context.Context, email string) (backend.ProfileInput, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.pending[email]
	return in, ok, nil
}

func (m *memoryReconciler) Resolve(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, email)
	return nil
}

type fixture struct {
	service    *Service
	provider   *countingProvider
	profiles   *stubProfiles
	reconciler *memoryReconciler
	events     *[]identity.Event
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	provider := &countingProvider{MemoryProvider: identity.NewMemoryProvider(bcrypt.MinCost)}
	binding := identity.NewBinding(provider, nil)
	var (
		mu     sync.Mutex
		events []identity.Event
	)
	unsubscribe := binding.Subscribe(func(ev identity.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	t.Cleanup(unsubscribe)
	profiles := &stubProfiles{}
	reconciler := &memoryReconciler{pending: map[string]backend.ProfileInput{}}
	return fixture{
		service:    NewService(binding, profiles, reconciler, nil),
		provider:   provider,
		profiles:   profiles,
		reconciler: reconciler,
		events:     &events,
	}
}

// -----------------------------------------------------------------------------
// Register
// -----------------------------------------------------------------------------

func TestRegisterRejectsWeakPasswordsBeforeProvider(t *testing.T) {
	for _, password := range []string{"Ab1", "abcdefg", "ABCDEFG", "", "Abcde"} {
		t.Run(password, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.service.Register(context.Background(), "c1", RegisterInput{Email: "ann@x.com", Password: password})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrWeakCredential)
			assert.Zero(t, f.provider.count())
		})
	}
}

func TestRegisterProvisionsProfile(t *testing.T) {
	f := newFixture(t)

	principal, err := f.service.Register(context.Background(), "c1", RegisterInput{
		Name:     "  Ann  ",
		Email:    " ann@x.com ",
		Password: "Abcdef",
		PhotoURL: "https://img.example/ann.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "Ann", principal.DisplayName)
	assert.Equal(t, "ann@x.com", principal.Email)

	require.Len(t, f.profiles.inputs, 1)
	assert.Equal(t, backend.ProfileInput{Name: "Ann", Email: "ann@x.com", Photo: "https://img.example/ann.png"}, f.profiles.inputs[0])
}

func TestRegisterDefaultsDisplayName(t *testing.T) {
	f := newFixture(t)

	principal, err := f.service.Register(context.Background(), "c1", RegisterInput{Email: "bob@x.com", Password: "Abcdef"})
	require.NoError(t, err)
	assert.Equal(t, DefaultDisplayName, principal.DisplayName)
	assert.Equal(t, DefaultDisplayName, f.profiles.inputs[0].Name)
}

func TestRegisterConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, "c1", RegisterInput{Email: "ann@x.com", Password: "Abcdef"})
	require.NoError(t, err)

	_, err = f.service.Register(ctx, "c2", RegisterInput{Email: "ann@x.com", Password: "Abcdef"})
	assert.ErrorIs(t, err, ErrIdentityConflict)
}

func TestRegisterUpsertFailureLeavesOrphan(t *testing.T) {
	f := newFixture(t)
	f.profiles.err = backend.ErrUnavailable
	ctx := context.Background()

	principal, err := f.service.Register(ctx, "c1", RegisterInput{Name: "Ann", Email: "ann@x.com", Password: "Abcdef"})
	require.Error(t, err)
	require.NotNil(t, principal)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, backend.ErrUnavailable)

	var orphan *OrphanedIdentityError
	require.ErrorAs(t, err, &orphan)
	assert.True(t, orphan.Scheduled)
	assert.Equal(t, principal.UID, orphan.UID)

	// The identity account is not rolled back.
	_, err = f.service.Login(ctx, "c2", LoginInput{Email: "ann@x.com", Password: "Abcdef"})
	require.NoError(t, err)

	_, pending, _ := f.reconciler.Pending(ctx, "ann@x.com")
	assert.True(t, pending)
}

// -----------------------------------------------------------------------------
// Login, logout, reconcile
// -----------------------------------------------------------------------------

func TestLoginMapsProviderErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Login(ctx, "c1", LoginInput{Email: "nobody@x.com", Password: "Abcdef"})
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = f.service.Login(ctx, "c1", LoginInput{Email: "not-an-email", Password: "x"})
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Fields, "email")
}

func TestLoginWithGoogleUpsertsProfile(t *testing.T) {
	f := newFixture(t)

	principal, err := f.service.LoginWithGoogle(context.Background(), "c1", identity.GoogleTokenPrefix+"gia@x.com")
	require.NoError(t, err)
	assert.Equal(t, "gia@x.com", principal.Email)
	require.Len(t, f.profiles.inputs, 1)
	assert.Equal(t, "gia@x.com", f.profiles.inputs[0].Email)
}

func TestLogoutPublishesSignOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	principal, err := f.service.Register(ctx, "c1", RegisterInput{Email: "ann@x.com", Password: "Abcdef"})
	require.NoError(t, err)

	f.service.Logout(ctx, "c1", "unknown-"+principal.UID)

	events := *f.events
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "c1", last.Key)
	assert.Nil(t, last.Principal)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	f.profiles.err = errors.New("backend down")
	ctx := context.Background()

	_, err := f.service.Register(ctx, "c1", RegisterInput{Name: "Ann", Email: "ann@x.com", Password: "Abcdef"})
	require.Error(t, err)

	_, err = f.service.Reconcile(ctx, "ann@x.com")
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	f.profiles.err = nil
	profile, err := f.service.Reconcile(ctx, "ann@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Ann", profile.Name)

	_, err = f.service.Reconcile(ctx, "ann@x.com")
	assert.ErrorIs(t, err, ErrNothingPending)
}

func TestStrongPassword(t *testing.T) {
	assert.True(t, StrongPassword("Abcdef"))
	assert.True(t, StrongPassword("pässWort"))
	assert.False(t, StrongPassword("Abcde"))
	assert.False(t, StrongPassword("abcdef"))
	assert.False(t, StrongPassword("ABCDEF"))
}
