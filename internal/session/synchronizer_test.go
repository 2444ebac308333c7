package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mernickets/portal/internal/backend"
	"github.com/mernickets/portal/internal/identity"
)

type fakeBackend struct {
	mu         sync.Mutex
	gates      map[string]chan struct{}
	roles      map[string]string
	tokenErr   error
	profileErr error
	profiles   atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{gates: map[string]chan struct{}{}, roles: map[string]string{}}
}

// hold makes calls for email block until the returned release is called.
func (f *fakeBackend) hold(email string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[email] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeBackend) wait(ctx context.Context, email string) error {
	f.mu.Lock()
	ch := f.gates[email]
	f.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBackend) ExchangeToken(ctx context.Context, email string) (string, error) {
	if err := f.wait(ctx, email); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "token-" + email, nil
}

func (f *fakeBackend) FetchProfile(ctx context.Context, email string) (*backend.Profile, error) {
	f.profiles.Add(1)
	if err := f.wait(ctx, email); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return &backend.Profile{Email: email, Role: f.roles[email]}, nil
}

func newSynchronizer(t *testing.T, be Backend, opts Options) (*Synchronizer, *identity.Binding) {
	t.Helper()
	s := NewSynchronizer(NewMemoryStore(), be, nil, opts)
	binding := identity.NewBinding(identity.NewMemoryProvider(4), nil)
	s.Start(binding)
	t.Cleanup(s.Close)
	return s, binding
}

func await(t *testing.T, s *Synchronizer, key string) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := s.Await(ctx, key)
	require.NoError(t, err)
	return st
}

// -----------------------------------------------------------------------------
// Identity changes
// -----------------------------------------------------------------------------

func TestSignInResolvesTokenAndRole(t *testing.T) {
	be := newFakeBackend()
	be.roles["vera@x.com"] = "vendor"
	s, _ := newSynchronizer(t, be, Options{})

	require.NoError(t, s.OnIdentityChanged(context.Background(), "c1", &identity.Principal{Email: "vera@x.com"}))

	st := await(t, s, "c1")
	assert.Equal(t, "token-vera@x.com", st.Token)
	assert.Equal(t, RoleVendor, st.Role)
	assert.False(t, st.Loading)

	token, err := s.Token(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "token-vera@x.com", token)
}

func TestLoadingIsRaisedSynchronously(t *testing.T) {
	be := newFakeBackend()
	release := be.hold("ann@x.com")
	defer release()
	s, _ := newSynchronizer(t, be, Options{})

	require.NoError(t, s.OnIdentityChanged(context.Background(), "c1", &identity.Principal{Email: "ann@x.com"}))

	st, err := s.State(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, st.Loading)
	assert.Empty(t, st.Token)
	assert.Empty(t, st.Role)

	token, err := s.Token(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestSignOutClearsImmediately(t *testing.T) {
	be := newFakeBackend()
	s, binding := newSynchronizer(t, be, Options{})
	ctx := context.Background()

	principal, err := binding.SignUp(ctx, "c1", identity.Credentials{Email: "ann@x.com", Password: "Abcdef"})
	require.NoError(t, err)
	require.Equal(t, "token-ann@x.com", await(t, s, "c1").Token)

	require.NoError(t, binding.SignOut(ctx, "c1", principal.UID))

	st, err := s.State(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, st.Identity)
	assert.Empty(t, st.Token)
	assert.Empty(t, st.Role)
	assert.False(t, st.Loading)
}

func TestPrincipalWithoutEmailIsAnonymous(t *testing.T) {
	s, _ := newSynchronizer(t, newFakeBackend(), Options{})

	require.NoError(t, s.OnIdentityChanged(context.Background(), "c1", &identity.Principal{UID: "phone-only"}))

	st := await(t, s, "c1")
	assert.False(t, st.Loading)
	assert.Empty(t, st.Token)
}

// -----------------------------------------------------------------------------
// Ordering
// -----------------------------------------------------------------------------

func TestStaleSignInCannotOverwriteSignOut(t *testing.T) {
	be := newFakeBackend()
	release := be.hold("ann@x.com")
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s, _ := newSynchronizer(t, be, Options{Metrics: metrics})
	ctx := context.Background()

	require.NoError(t, s.OnIdentityChanged(ctx, "c1", &identity.Principal{Email: "ann@x.com"}))
	require.NoError(t, s.OnIdentityChanged(ctx, "c1", nil))
	release()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.stale) == 1
	}, 2*time.Second, 10*time.Millisecond)

	st, err := s.State(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, st.Identity)
	assert.Empty(t, st.Token)
	assert.Empty(t, st.Role)
}

func TestLastIdentityWinsWhenResultsArriveOutOfOrder(t *testing.T) {
	be := newFakeBackend()
	be.roles["ann@x.com"] = "admin"
	be.roles["bob@x.com"] = "user"
	releaseAnn := be.hold("ann@x.com")
	releaseBob := be.hold("bob@x.com")
	s, _ := newSynchronizer(t, be, Options{})
	ctx := context.Background()

	require.NoError(t, s.OnIdentityChanged(ctx, "c1", &identity.Principal{Email: "ann@x.com"}))
	require.NoError(t, s.OnIdentityChanged(ctx, "c1", nil))
	require.NoError(t, s.OnIdentityChanged(ctx, "c1", &identity.Principal{Email: "bob@x.com"}))

	releaseBob()
	st := await(t, s, "c1")
	assert.Equal(t, "token-bob@x.com", st.Token)
	assert.Equal(t, RoleUser, st.Role)

	releaseAnn()
	s.Close()

	st, err := s.State(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, st.Identity)
	assert.Equal(t, "bob@x.com", st.Identity.Email)
	assert.Equal(t, "token-bob@x.com", st.Token)
	assert.Equal(t, RoleUser, st.Role)
}

func TestClientsAreIndependent(t *testing.T) {
	be := newFakeBackend()
	release := be.hold("ann@x.com")
	defer release()
	s, _ := newSynchronizer(t, be, Options{})
	ctx := context.Background()

	require.NoError(t, s.OnIdentityChanged(ctx, "c1", &identity.Principal{Email: "ann@x.com"}))
	require.NoError(t, s.OnIdentityChanged(ctx, "c2", &identity.Principal{Email: "bob@x.com"}))

	assert.Equal(t, "token-bob@x.com", await(t, s, "c2").Token)

	st, err := s.State(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, st.Loading)
}

// -----------------------------------------------------------------------------
// Failures
// -----------------------------------------------------------------------------

func TestTokenFailureLeavesClientUnauthorized(t *testing.T) {
	be := newFakeBackend()
	be.tokenErr = backend.ErrUnavailable
	be.roles["ann@x.com"] = "admin"
	s, _ := newSynchronizer(t, be, Options{})

	require.NoError(t, s.OnIdentityChanged(context.Background(), "c1", &identity.Principal{Email: "ann@x.com"}))

	st := await(t, s, "c1")
	assert.False(t, st.Loading)
	assert.Empty(t, st.Token)
	assert.Equal(t, RoleAdmin, st.Role)
	assert.False(t, st.Authenticated(time.Now()))
}

func TestProfileFailureDefaultsToUser(t *testing.T) {
	be := newFakeBackend()
	be.profileErr = errors.New("boom")
	s, _ := newSynchronizer(t, be, Options{})

	require.NoError(t, s.OnIdentityChanged(context.Background(), "c1", &identity.Principal{Email: "ann@x.com"}))

	st := await(t, s, "c1")
	assert.Equal(t, "token-ann@x.com", st.Token)
	assert.Equal(t, RoleUser, st.Role)
}

func TestStepTimeoutSettlesLoading(t *testing.T) {
	be := newFakeBackend()
	release := be.hold("ann@x.com")
	defer release()
	s, _ := newSynchronizer(t, be, Options{Timeout: 50 * time.Millisecond})

	require.NoError(t, s.OnIdentityChanged(context.Background(), "c1", &identity.Principal{Email: "ann@x.com"}))

	st := await(t, s, "c1")
	assert.False(t, st.Loading)
	assert.Empty(t, st.Token)
	assert.Equal(t, RoleUser, st.Role)
}

func TestSharedProfileFetchOutlivesFirstCaller(t *testing.T) {
	be := newFakeBackend()
	be.roles["ann@x.com"] = "vendor"
	release := be.hold("ann@x.com")
	defer release()
	s, _ := newSynchronizer(t, be, Options{Timeout: 2 * time.Second})

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := s.fetchProfile(short, "ann@x.com")
		first <- err
	}()
	require.Eventually(t, func() bool { return be.profiles.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan *backend.Profile, 1)
	go func() {
		p, err := s.fetchProfile(context.Background(), "ann@x.com")
		assert.NoError(t, err)
		second <- p
	}()

	assert.ErrorIs(t, <-first, context.DeadlineExceeded)
	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case p := <-second:
		require.NotNil(t, p)
		assert.Equal(t, "vendor", p.Role)
	case <-time.After(time.Second):
		t.Fatal("joined fetch did not complete")
	}
	assert.Equal(t, int32(1), be.profiles.Load())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func TestAwaitHonoursContext(t *testing.T) {
	be := newFakeBackend()
	release := be.hold("ann@x.com")
	defer release()
	s, _ := newSynchronizer(t, be, Options{})

	require.NoError(t, s.OnIdentityChanged(context.Background(), "c1", &identity.Principal{Email: "ann@x.com"}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	st, err := s.Await(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, st.Loading)
}

func TestCloseStopsApplyingResults(t *testing.T) {
	be := newFakeBackend()
	release := be.hold("ann@x.com")
	defer release()
	s, binding := newSynchronizer(t, be, Options{})
	ctx := context.Background()

	require.NoError(t, s.OnIdentityChanged(ctx, "c1", &identity.Principal{Email: "ann@x.com"}))
	s.Close()

	st, err := s.State(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, st.Loading)
	assert.Empty(t, st.Token)

	assert.ErrorIs(t, s.OnIdentityChanged(ctx, "c1", nil), ErrClosed)

	_, err = binding.SignUp(ctx, "c2", identity.Credentials{Email: "bob@x.com", Password: "Abcdef"})
	require.NoError(t, err)
	st, err = s.State(ctx, "c2")
	require.NoError(t, err)
	assert.Nil(t, st.Identity)

	s.Close()
}
