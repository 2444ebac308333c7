// Package guard decides whether a navigation may proceed given the client's
// session state.
package guard

import (
	"time"

	"github.com/mernickets/portal/internal/session"
)

// Status is the guard's view of a session.
type Status int

const (
	// StatusLoading means an identity change is still being synchronized.
	StatusLoading Status = iota
	// StatusAnonymous means no usable application token is held.
	StatusAnonymous
	// StatusAuthenticated means a token is held and Role is resolved.
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// View is a classified session.
type View struct {
	Status Status
	Role   session.Role
}

// Classify maps a session state onto a guard view. A state without a usable
// token is anonymous whatever the identity provider reports.
func Classify(st session.State, now time.Time) View {
	switch {
	case st.Loading:
		return View{Status: StatusLoading}
	case !st.Authenticated(now):
		return View{Status: StatusAnonymous}
	default:
		role := st.Role
		if !role.Valid() {
			role = session.RoleUser
		}
		return View{Status: StatusAuthenticated, Role: role}
	}
}

// Route describes what a path requires.
type Route struct {
	// Path is the originally requested path including its query.
	Path string
	// Auth requires an authenticated session.
	Auth bool
	// Role, when set, requires that exact role. Implies Auth.
	Role session.Role
	// DashboardRoot resolves to the role's landing page. Implies Auth.
	DashboardRoot bool
}

func (r Route) protected() bool {
	return r.Auth || r.Role != "" || r.DashboardRoot
}

// Action is the outcome of a guard evaluation.
type Action int

const (
	Allow Action = iota
	Wait
	RedirectSignIn
	RedirectHome
	RedirectLanding
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Wait:
		return "wait"
	case RedirectSignIn:
		return "redirect_sign_in"
	case RedirectHome:
		return "redirect_home"
	case RedirectLanding:
		return "redirect_landing"
	default:
		return "unknown"
	}
}

// Decision is an Action plus the location to redirect to, if any.
type Decision struct {
	Action   Action
	Location string
}

// Evaluate decides a navigation to route. It holds no state: the landing page
// is recomputed from the current role on every call.
func Evaluate(view View, route Route) Decision {
	if !route.protected() {
		return Decision{Action: Allow}
	}
	switch view.Status {
	case StatusLoading:
		return Decision{Action: Wait}
	case StatusAnonymous:
		return Decision{Action: RedirectSignIn, Location: SignInPath(route.Path)}
	}
	if route.DashboardRoot {
		return Decision{Action: RedirectLanding, Location: Landing(view.Role)}
	}
	if route.Role != "" && route.Role != view.Role {
		return Decision{Action: RedirectHome, Location: HomePath}
	}
	return Decision{Action: Allow}
}

// Landing returns the dashboard page a role lands on.
func Landing(role session.Role) string {
	switch role {
	case session.RoleAdmin:
		return "/dashboard/admin"
	case session.RoleVendor:
		return "/dashboard/vendor/profile"
	default:
		return "/dashboard/user/profile"
	}
}
