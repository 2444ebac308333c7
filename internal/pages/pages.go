// Package pages holds the marketplace route table. Each page answers with a
// small JSON descriptor; the front end renders it.
package pages

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mernickets/portal/internal/guard"
	"github.com/mernickets/portal/internal/identity"
	"github.com/mernickets/portal/internal/platform/httpx"
	"github.com/mernickets/portal/internal/session"
)

// Descriptor names the page to render for a request.
type Descriptor struct {
	Page   string              `json:"page"`
	Params map[string]string   `json:"params,omitempty"`
	User   *identity.Principal `json:"user,omitempty"`
	Role   string              `json:"role,omitempty"`
}

// Page is one entry in the route table.
type Page struct {
	Pattern string
	Name    string
	Params  []string
}

// Dashboard sub-pages per role, relative to /dashboard/{role}.
var (
	UserPages = []Page{
		{Pattern: "/", Name: "my-bookings"},
		{Pattern: "/payment/{bookingId}", Name: "payment", Params: []string{"bookingId"}},
		{Pattern: "/transactions", Name: "transactions"},
		{Pattern: "/profile", Name: "user-profile"},
	}
	VendorPages = []Page{
		{Pattern: "/", Name: "vendor-profile"},
		{Pattern: "/profile", Name: "vendor-profile"},
		{Pattern: "/add-ticket", Name: "add-ticket"},
		{Pattern: "/edit-ticket/{id}", Name: "edit-ticket", Params: []string{"id"}},
		{Pattern: "/my-tickets", Name: "my-tickets"},
		{Pattern: "/requests", Name: "requested-bookings"},
		{Pattern: "/revenue", Name: "vendor-revenue"},
	}
	AdminPages = []Page{
		{Pattern: "/", Name: "admin-dashboard"},
	}
)

// Handler serves page descriptors behind the route guards.
type Handler struct {
	guard guard.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(g guard.Middleware) *Handler {
	return &Handler{guard: g}
}

// MountRoutes registers the marketplace pages.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Resolve)
		r.Get("/", h.page(Page{Name: "home"}))
		r.Get("/tickets", h.page(Page{Name: "all-tickets"}))
		r.Get("/login", h.page(Page{Name: "login"}))
		r.Get("/register", h.page(Page{Name: "register"}))
	})

	r.With(h.guard.RequireAuth()).Get("/ticket/{id}", h.page(Page{Name: "ticket-details", Params: []string{"id"}}))

	r.Handle("/dashboard", h.guard.DashboardRoot())
	h.mountDashboard(r, session.RoleUser, UserPages)
	h.mountDashboard(r, session.RoleVendor, VendorPages)
	h.mountDashboard(r, session.RoleAdmin, AdminPages)
}

func (h *Handler) mountDashboard(r chi.Router, role session.Role, pages []Page) {
	r.Route("/dashboard/"+role.String(), func(r chi.Router) {
		r.Use(h.guard.RequireRole(role))
		for _, p := range pages {
			r.Get(p.Pattern, h.page(p))
		}
	})
}

// NotFound answers unknown paths with the not-found page.
func (h *Handler) NotFound() http.Handler {
	return h.guard.Resolve(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusNotFound, describe(r, Page{Name: "not-found"}))
	}))
}

func (h *Handler) page(p Page) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, describe(r, p))
	}
}

func describe(r *http.Request, p Page) Descriptor {
	d := Descriptor{Page: p.Name}
	if len(p.Params) > 0 {
		d.Params = make(map[string]string, len(p.Params))
		for _, name := range p.Params {
			d.Params[name] = chi.URLParam(r, name)
		}
	}
	if view, st, ok := guard.ViewFromContext(r.Context()); ok {
		d.User = st.Identity
		if view.Status == guard.StatusAuthenticated {
			d.Role = view.Role.String()
		}
	}
	return d
}
