package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mernickets/portal/internal/backend"
	"github.com/mernickets/portal/internal/identity"
	"github.com/mernickets/portal/internal/platform/tracing"
)

// Backend is the part of the ticket backend the synchronizer needs.
type Backend interface {
	ExchangeToken(ctx context.Context, email string) (string, error)
	FetchProfile(ctx context.Context, email string) (*backend.Profile, error)
}

// Source delivers identity change events.
type Source interface {
	Subscribe(fn identity.Listener) (unsubscribe func())
}

// Options tunes a Synchronizer.
type Options struct {
	// Timeout bounds each backend step. Zero selects 12s.
	Timeout time.Duration
	// PollInterval bounds how long Await sleeps between store reads when no
	// local notification arrives, e.g. when another replica commits.
	PollInterval time.Duration
	Metrics      *Metrics
	Now          func() time.Time
}

// Synchronizer is the single owner of session state. For every identity
// change it starts a new generation in the Store, exchanges the identity for
// an application token, resolves the role, and commits the result only if no
// newer change has started meanwhile.
type Synchronizer struct {
	store   Store
	backend Backend
	logger  *slog.Logger
	timeout time.Duration
	poll    time.Duration
	metrics *Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	unsubscribe func()
	waiters     map[string]chan struct{}

	profiles singleflight.Group
}

// NewSynchronizer constructs a Synchronizer. Call Start to attach it to an
// identity source and Close to tear it down.
func NewSynchronizer(store Store, be Backend, logger *slog.Logger, opts Options) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 12 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		store:   store,
		backend: be,
		logger:  logger,
		timeout: opts.Timeout,
		poll:    opts.PollInterval,
		metrics: opts.Metrics,
		now:     opts.Now,
		ctx:     ctx,
		cancel:  cancel,
		waiters: make(map[string]chan struct{}),
	}
}

// Start subscribes to src. Events are tagged with a generation in delivery
// order, so the last delivered change always wins.
func (s *Synchronizer) Start(src Source) {
	unsubscribe := src.Subscribe(func(ev identity.Event) {
		ctx := trace.ContextWithRemoteSpanContext(s.ctx, ev.Trace)
		if err := s.OnIdentityChanged(ctx, ev.Key, ev.Principal); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Error("identity change", slog.String("client", ev.Key), slog.Any("error", err))
		}
	})
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
}

// Close unsubscribes, stops applying results and waits for in-flight
// synchronizations to return.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for key, ch := range s.waiters {
		close(ch)
		delete(s.waiters, key)
	}
	s.mu.Unlock()
}

// OnIdentityChanged applies an identity change for the client key. A nil
// principal clears the session synchronously. A principal with an email
// clears token and role, raises loading and synchronizes in the background.
// Backend failures are logged and never returned.
func (s *Synchronizer) OnIdentityChanged(ctx context.Context, key string, principal *identity.Principal) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	email := ""
	if principal != nil {
		email = strings.TrimSpace(principal.Email)
	}

	gen, err := s.store.Begin(ctx, key, principal, email != "")
	if err != nil {
		return fmt.Errorf("begin generation: %w", err)
	}
	if email == "" {
		s.notify(key)
		return nil
	}

	link := trace.LinkFromContext(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.synchronize(key, gen, email, link)
	}()
	return nil
}

func (s *Synchronizer) synchronize(key string, gen uint64, email string, link trace.Link) {
	logger := s.logger.With(slog.String("client", key), slog.Uint64("generation", gen))
	root, span := tracing.Tracer().Start(s.ctx, "session.synchronize",
		trace.WithLinks(link),
		trace.WithAttributes(attribute.Int64("session.generation", int64(gen))),
	)
	defer span.End()

	var token string
	role := RoleUser

	// The steps settle independently: neither failure blocks the other.
	var g errgroup.Group
	g.Go(func() error {
		ctx, cancel := context.WithTimeout(root, s.timeout)
		defer cancel()
		t, err := s.backend.ExchangeToken(ctx, email)
		s.metrics.step("token", err)
		if err != nil {
			logger.Warn("token exchange failed, client stays unauthorized", slog.Any("error", err))
			return nil
		}
		token = t
		return nil
	})
	g.Go(func() error {
		ctx, cancel := context.WithTimeout(root, s.timeout)
		defer cancel()
		profile, err := s.fetchProfile(ctx, email)
		s.metrics.step("profile", err)
		if err != nil {
			logger.Warn("profile fetch failed, role defaults to user", slog.Any("error", err))
			return nil
		}
		role = ParseRole(profile.Role)
		return nil
	})
	_ = g.Wait()

	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(root, s.timeout)
	defer cancel()
	applied, err := s.store.Commit(ctx, key, gen, token, role)
	if err != nil {
		span.RecordError(err)
		logger.Error("commit session", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Bool("session.applied", applied))
	if !applied {
		s.metrics.discarded()
		logger.Debug("discarded superseded session result")
		return
	}
	s.notify(key)
}

// fetchProfile collapses concurrent lookups of the same email. The shared call
// gets its own step budget so a caller joining late is not bound by the
// deadline of the caller that started it; each caller still stops waiting at
// its own ctx.
func (s *Synchronizer) fetchProfile(ctx context.Context, email string) (*backend.Profile, error) {
	span := trace.SpanFromContext(ctx)
	ch := s.profiles.DoChan(email, func() (any, error) {
		fctx, cancel := context.WithTimeout(trace.ContextWithSpan(s.ctx, span), s.timeout)
		defer cancel()
		return s.backend.FetchProfile(fctx, email)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		profile, _ := res.Val.(*backend.Profile)
		if profile == nil {
			return nil, backend.ErrBadResponse
		}
		return profile, nil
	}
}

// State returns the client's current session state.
func (s *Synchronizer) State(ctx context.Context, key string) (State, error) {
	return s.store.Load(ctx, key)
}

// Await returns the client's state once it is no longer loading, or the last
// observed state together with ctx's error.
func (s *Synchronizer) Await(ctx context.Context, key string) (State, error) {
	for {
		ch := s.waiter(key)
		st, err := s.store.Load(ctx, key)
		if err != nil || !st.Loading {
			s.release(key, ch)
			return st, err
		}
		timer := time.NewTimer(s.poll)
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return st, ctx.Err()
		}
		timer.Stop()
		if s.ctx.Err() != nil {
			return s.store.Load(ctx, key)
		}
	}
}

// Token implements backend.TokenSource: it returns the client's application
// token, or "" when the client is not authenticated.
func (s *Synchronizer) Token(ctx context.Context, key string) (string, error) {
	st, err := s.store.Load(ctx, key)
	if err != nil {
		return "", err
	}
	if !st.Authenticated(s.now()) {
		return "", nil
	}
	return st.Token, nil
}

func (s *Synchronizer) waiter(key string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[key]
	if !ok {
		ch = make(chan struct{})
		if s.ctx.Err() != nil {
			close(ch)
			return ch
		}
		s.waiters[key] = ch
	}
	return ch
}

// release drops an unused waiter. Anyone else still holding it falls back to
// polling.
func (s *Synchronizer) release(key string, ch <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.waiters[key]; ok && (<-chan struct{})(cur) == ch {
		delete(s.waiters, key)
	}
}

func (s *Synchronizer) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[key]; ok {
		close(ch)
		delete(s.waiters, key)
	}
}
