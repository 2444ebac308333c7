package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mernickets/portal/internal/platform/httpx"
	"github.com/mernickets/portal/internal/session"
)

// States resolves a client's session state, waiting out synchronization.
type States interface {
	Await(ctx context.Context, key string) (session.State, error)
}

// Middleware gates chi routes on the client's session.
type Middleware struct {
	States States
	KeyOf  func(*http.Request) string
	// Wait bounds how long a loading session is waited on. Zero selects 3s.
	Wait   time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

type viewContextKey struct{}

type guarded struct {
	view  View
	state session.State
}

// ViewFromContext returns the view a guard resolved for this request.
func ViewFromContext(ctx context.Context) (View, session.State, bool) {
	g, ok := ctx.Value(viewContextKey{}).(guarded)
	return g.view, g.state, ok
}

// RequireAuth admits authenticated clients of any role.
func (m Middleware) RequireAuth() func(http.Handler) http.Handler {
	return m.page(Route{Auth: true})
}

// RequireRole admits clients holding role. Other roles go home.
func (m Middleware) RequireRole(role session.Role) func(http.Handler) http.Handler {
	return m.page(Route{Auth: true, Role: role})
}

// DashboardRoot redirects authenticated clients to their role's landing page.
func (m Middleware) DashboardRoot() http.Handler {
	return m.page(Route{DashboardRoot: true})(http.NotFoundHandler())
}

// Resolve attaches the client's view to the request without gating it.
func (m Middleware) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.wait())
		st, err := m.States.Await(ctx, m.keyOf(r))
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			m.logger().Error("resolve session", slog.Any("error", err))
		}
		next.ServeHTTP(w, r.WithContext(withView(r.Context(), Classify(st, m.now()), st)))
	})
}

// RequireToken gates API calls. Anonymous clients get 401 with the sign-in
// location instead of a redirect.
func (m Middleware) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := Route{Path: r.URL.RequestURI(), Auth: true}
		view, st, ok := m.resolve(w, r)
		if !ok {
			return
		}
		decision := Evaluate(view, route)
		switch decision.Action {
		case Allow:
			next.ServeHTTP(w, r.WithContext(withView(r.Context(), view, st)))
		case Wait:
			m.unavailable(w)
		default:
			w.Header().Set("Location", SignInPathBase)
			httpx.Problem(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), "sign in required")
		}
	})
}

func (m Middleware) page(base Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := base
			route.Path = r.URL.RequestURI()
			view, st, ok := m.resolve(w, r)
			if !ok {
				return
			}
			decision := Evaluate(view, route)
			switch decision.Action {
			case Allow:
				next.ServeHTTP(w, r.WithContext(withView(r.Context(), view, st)))
			case Wait:
				m.unavailable(w)
			default:
				m.logger().Debug("guard redirect",
					slog.String("path", r.URL.Path),
					slog.String("status", view.Status.String()),
					slog.String("action", decision.Action.String()),
					slog.String("location", decision.Location))
				http.Redirect(w, r, decision.Location, http.StatusSeeOther)
			}
		})
	}
}

// resolve waits up to Wait for the session to settle. A loading session at
// the deadline classifies as loading; lookup failures answer 500.
func (m Middleware) resolve(w http.ResponseWriter, r *http.Request) (View, session.State, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), m.wait())
	defer cancel()
	st, err := m.States.Await(ctx, m.keyOf(r))
	if err != nil {
		if r.Context().Err() != nil {
			return View{}, session.State{}, false
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			m.logger().Error("guard load session", slog.Any("error", err))
			httpx.RespondError(w, err)
			return View{}, session.State{}, false
		}
	}
	return Classify(st, m.now()), st, true
}

func (m Middleware) unavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(1))
	httpx.Problem(w, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable), "session is still loading")
}

func withView(ctx context.Context, view View, st session.State) context.Context {
	return context.WithValue(ctx, viewContextKey{}, guarded{view: view, state: st})
}

func (m Middleware) keyOf(r *http.Request) string {
	if m.KeyOf == nil {
		return ""
	}
	return m.KeyOf(r)
}

func (m Middleware) wait() time.Duration {
	if m.Wait > 0 {
		return m.Wait
	}
	return 3 * time.Second
}

func (m Middleware) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
