package identity

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Listener receives session change events.
type Listener func(Event)

// Binding wraps a Provider and publishes an Event for every identity change.
// Events are delivered synchronously and one at a time, in publish order.
type Binding struct {
	provider Provider
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64

	deliver sync.Mutex
}

// NewBinding constructs a Binding around provider.
func NewBinding(provider Provider, logger *slog.Logger) *Binding {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binding{
		provider:  provider,
		logger:    logger,
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Binding) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

func (b *Binding) publish(ctx context.Context, key string, principal *Principal) {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	var snapshot *Principal
	if principal != nil {
		copied := *principal
		snapshot = &copied
	}
	for _, fn := range listeners {
		fn(Event{Key: key, Principal: snapshot, Trace: trace.SpanContextFromContext(ctx)})
	}
}

// SignUp creates an account and signs the client in.
func (b *Binding) SignUp(ctx context.Context, key string, creds Credentials) (*Principal, error) {
	principal, err := b.provider.SignUp(ctx, key, creds)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, key, principal)
	return principal, nil
}

// SignIn signs the client in with email and password.
func (b *Binding) SignIn(ctx context.Context, key string, creds Credentials) (*Principal, error) {
	principal, err := b.provider.SignIn(ctx, key, creds)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, key, principal)
	return principal, nil
}

// SignInWithGoogle signs the client in with a Google id token.
func (b *Binding) SignInWithGoogle(ctx context.Context, key, idToken string) (*Principal, error) {
	principal, err := b.provider.SignInWithGoogle(ctx, key, idToken)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, key, principal)
	return principal, nil
}

// UpdateProfile changes display name and photo for uid.
func (b *Binding) UpdateProfile(ctx context.Context, key, uid string, update ProfileUpdate) (*Principal, error) {
	principal, err := b.provider.UpdateProfile(ctx, key, uid, update)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, key, principal)
	return principal, nil
}

// SignOut ends key's provider session for uid. The client is reported as signed out
// even when the provider call fails.
func (b *Binding) SignOut(ctx context.Context, key, uid string) error {
	err := b.provider.SignOut(ctx, key, uid)
	if err != nil {
		b.logger.Warn("identity sign out", slog.String("uid", uid), slog.Any("error", err))
	}
	b.publish(ctx, key, nil)
	return err
}
