package app

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Identity provider names accepted by IDENTITY_PROVIDER.
const (
	IdentityFirebase = "firebase"
	IdentityMemory   = "memory"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`
	RateLimit         int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`

	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	SessionSecret string        `envconfig:"SESSION_SECRET" required:"true"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"720h"`

	CSRFSecret string `envconfig:"CSRF_SECRET" required:"true"`

	BackendURL     string        `envconfig:"BACKEND_URL" default:"http://127.0.0.1:5000"`
	BackendTimeout time.Duration `envconfig:"BACKEND_TIMEOUT" default:"12s"`
	BackendRetries int           `envconfig:"BACKEND_RETRIES" default:"2"`

	IdentityProvider string `envconfig:"IDENTITY_PROVIDER" default:"firebase"`
	FirebaseAPIKey   string `envconfig:"FIREBASE_API_KEY"`
	FirebaseEndpoint string `envconfig:"FIREBASE_ENDPOINT" default:"https://identitytoolkit.googleapis.com"`

	GuardWait time.Duration `envconfig:"GUARD_WAIT" default:"3s"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"5"`

	TracingEnabled    bool    `envconfig:"TRACING_ENABLED" default:"false"`
	TracingEndpoint   string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`
	TracingSampleRate float64 `envconfig:"TRACING_SAMPLE_RATE" default:"1"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return errors.New("session secret must be provided")
	}
	if c.CSRFSecret == "" {
		return errors.New("csrf secret must be provided")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend url %q must be absolute", c.BackendURL)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate %v must be within [0,1]", c.TracingSampleRate)
	}
	switch c.IdentityProvider {
	case IdentityFirebase:
		if c.FirebaseAPIKey == "" {
			return errors.New("firebase api key must be provided")
		}
	case IdentityMemory:
		if c.IsProduction() {
			return errors.New("memory identity provider is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown identity provider %q", c.IdentityProvider)
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
