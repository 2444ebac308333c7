package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mernickets/portal/internal/auth"
	"github.com/mernickets/portal/internal/backend"
	"github.com/mernickets/portal/internal/guard"
	"github.com/mernickets/portal/internal/observability"
	"github.com/mernickets/portal/internal/pages"
	"github.com/mernickets/portal/internal/platform/httpx"
	"github.com/mernickets/portal/internal/session"
	"github.com/mernickets/portal/internal/shared"
	"github.com/mernickets/portal/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Guard          guard.Middleware
	AuthHandler    *auth.Handler
	PagesHandler   *pages.Handler
	JobHandler     *jobs.Handler
	Secure         *backend.Secure
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with portal defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/auth", params.AuthHandler.MountRoutes)
	r.Get("/session", params.AuthHandler.SessionHandler())

	if params.Secure != nil {
		proxy := params.Secure.Proxy(shared.ClientKey, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Location", guard.SignInPathBase)
			httpx.Problem(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), "sign in required")
		}))
		r.With(params.Guard.RequireToken).Handle("/api/*", http.StripPrefix("/api", proxy))
	}

	if params.JobHandler != nil {
		r.With(params.Guard.RequireRole(session.RoleAdmin)).Route("/jobs", params.JobHandler.MountRoutes)
	}

	params.PagesHandler.MountRoutes(r)
	r.NotFound(params.PagesHandler.NotFound().ServeHTTP)

	return r
}
