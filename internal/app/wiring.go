package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/mernickets/portal/internal/identity"
	"github.com/mernickets/portal/internal/platform/httpclient"
	"github.com/mernickets/portal/internal/platform/tracing"
)

// InitTracing installs the tracer provider for component.
func InitTracing(ctx context.Context, cfg *Config, component string) (func(context.Context) error, error) {
	return tracing.Init(ctx, tracing.Config{
		ServiceName:  component,
		Environment:  cfg.AppEnv,
		OTLPEndpoint: cfg.TracingEndpoint,
		SampleRate:   cfg.TracingSampleRate,
		Enabled:      cfg.TracingEnabled,
	})
}

// NewBackendClient returns the retrying, circuit-broken client used for every
// ticket backend call.
func NewBackendClient(cfg *Config, logger *slog.Logger, metrics *httpclient.BreakerMetrics) httpclient.Doer {
	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = cfg.BackendTimeout
	clientCfg.MaxRetries = cfg.BackendRetries
	return httpclient.NewBreakerClient(
		httpclient.New(clientCfg),
		httpclient.DefaultBreakerConfig("backend"),
		logger,
		metrics,
	)
}

// NewIdentityProvider selects the identity provider named by the config.
// Firebase id tokens are kept in redis for at most the session TTL.
func NewIdentityProvider(cfg *Config, redisClient *redis.Client, logger *slog.Logger, metrics *httpclient.BreakerMetrics) (identity.Provider, error) {
	switch cfg.IdentityProvider {
	case IdentityFirebase:
		clientCfg := httpclient.DefaultConfig()
		clientCfg.MaxRetries = 0
		doer := httpclient.NewBreakerClient(
			httpclient.New(clientCfg),
			httpclient.DefaultBreakerConfig("firebase"),
			logger,
			metrics,
		)
		tokens := identity.NewRedisTokenStore(redisClient, cfg.SessionTTL)
		return identity.NewFirebaseProvider(doer, cfg.FirebaseEndpoint, cfg.FirebaseAPIKey, tokens), nil
	case IdentityMemory:
		logger.Warn("using in-memory identity provider; accounts are lost on restart")
		return identity.NewMemoryProvider(bcrypt.DefaultCost), nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.IdentityProvider)
	}
}
