package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mernickets/portal/internal/auth"
	"github.com/mernickets/portal/internal/guard"
	"github.com/mernickets/portal/internal/observability"
	"github.com/mernickets/portal/internal/pages"
	"github.com/mernickets/portal/internal/session"
	"github.com/mernickets/portal/internal/shared"
	"github.com/mernickets/portal/jobs"
)

type anonymousStates struct{}

func (anonymousStates) Await(ctx context.Context, key string) (session.State, error) {
	return session.State{}, nil
}

func (anonymousStates) State(ctx context.Context, key string) (session.State, error) {
	return session.State{}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := validConfig()
	logger := newLogger(&cfg, &bytes.Buffer{})
	sessions := shared.NewSessionManager(client, "portal_session", cfg.SessionSecret, time.Hour, false)
	csrf := shared.NewCSRFManager(cfg.CSRFSecret)
	guards := guard.Middleware{States: anonymousStates{}, KeyOf: shared.ClientKey, Wait: 10 * time.Millisecond}

	return NewRouter(RouterParams{
		Logger:         logger,
		Config:         &cfg,
		SessionManager: sessions,
		CSRFManager:    csrf,
		Guard:          guards,
		AuthHandler:    auth.NewHandler(logger, auth.NewService(nil, nil, nil, logger), anonymousStates{}, sessions, csrf),
		PagesHandler:   pages.NewHandler(guards),
		JobHandler:     jobs.NewHandler(nil, nil, logger),
		Metrics:        observability.NewMetrics(),
	})
}

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Set-Cookie"))
}

func TestRouterGuardsProtectedPages(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard/user/transactions", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, guard.SignInPath("/dashboard/user/transactions"), rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestRouterUnknownPath(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterRejectsMutationWithoutCSRF(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}
