package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mernickets/portal/internal/guard"
	"github.com/mernickets/portal/internal/identity"
	"github.com/mernickets/portal/internal/platform/httpx"
	"github.com/mernickets/portal/internal/session"
	"github.com/mernickets/portal/internal/shared"
)

// States exposes the synchronizer's view of a client.
type States interface {
	State(ctx context.Context, key string) (session.State, error)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	states         States
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	now            func() time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, states States, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		states:         states,
		sessionManager: sessions,
		csrfManager:    csrf,
		now:            time.Now,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.handleCSRF)
	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
	r.Post("/google", h.handleGoogle)
	r.Post("/logout", h.handleLogout)
	r.Post("/reconcile", h.handleReconcile)
}

// SessionHandler reports the client's session without its token.
func (h *Handler) SessionHandler() http.HandlerFunc {
	return h.handleSession
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	From     string `json:"from"`
}

type googleRequest struct {
	IDToken string `json:"idToken"`
	From    string `json:"from"`
}

type signedInResponse struct {
	User     *identity.Principal `json:"user"`
	Redirect string              `json:"redirect"`
	Loading  bool                `json:"loading"`
}

type sessionResponse struct {
	User          *identity.Principal `json:"user"`
	Role          string              `json:"role,omitempty"`
	Authenticated bool                `json:"authenticated"`
	Loading       bool                `json:"loading"`
	Landing       string              `json:"landing,omitempty"`
}

func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	sess := shared.SessionFromContext(r.Context())
	principal, err := h.service.Register(r.Context(), shared.ClientKey(r), in)
	if principal != nil && sess != nil {
		sess.SetUser(principal.UID)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, signedInResponse{User: principal, Redirect: guard.HomePath, Loading: true})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	principal, err := h.service.Login(r.Context(), shared.ClientKey(r), LoginInput{Email: req.Email, Password: req.Password})
	if err != nil {
		h.respondError(w, err)
		return
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.SetUser(principal.UID)
	}
	httpx.JSON(w, http.StatusOK, signedInResponse{User: principal, Redirect: guard.SafeRedirect(req.From), Loading: true})
}

func (h *Handler) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var req googleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	principal, err := h.service.LoginWithGoogle(r.Context(), shared.ClientKey(r), req.IDToken)
	if principal != nil {
		if sess := shared.SessionFromContext(r.Context()); sess != nil {
			sess.SetUser(principal.UID)
		}
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, signedInResponse{User: principal, Redirect: guard.SafeRedirect(req.From), Loading: true})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		h.service.Logout(r.Context(), sess.ID, sess.User())
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	st, err := h.states.State(r.Context(), shared.ClientKey(r))
	if err != nil {
		h.logger.Error("load session", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if st.Identity == nil || st.Identity.Email == "" {
		httpx.Problem(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), "sign in required")
		return
	}
	profile, err := h.service.Reconcile(r.Context(), st.Identity.Email)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.states.State(r.Context(), shared.ClientKey(r))
	if err != nil {
		h.logger.Error("load session", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	view := guard.Classify(st, h.now())
	resp := sessionResponse{
		User:          st.Identity,
		Authenticated: view.Status == guard.StatusAuthenticated,
		Loading:       st.Loading,
	}
	switch {
	case resp.Authenticated:
		resp.Role = view.Role.String()
		resp.Landing = guard.Landing(view.Role)
	case st.Loading && st.Identity != nil:
		// Signed in but the profile is still being fetched.
		resp.Role = session.RoleUser.String()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var invalid *ValidationError
	var orphan *OrphanedIdentityError
	switch {
	case errors.As(err, &invalid):
		httpx.ValidationProblem(w, invalid.Fields)
	case errors.Is(err, ErrIdentityConflict):
		httpx.Problem(w, http.StatusConflict, "Email Already Registered", "an account with this email already exists")
	case errors.Is(err, ErrInvalidCredential):
		httpx.Problem(w, http.StatusUnauthorized, "Invalid Credentials", "email or password is incorrect")
	case errors.As(err, &orphan):
		detail := "the account was created but its profile could not be saved"
		if orphan.Scheduled {
			detail += "; it will be retried automatically"
		}
		httpx.Problem(w, http.StatusBadGateway, "Profile Not Saved", detail)
	case errors.Is(err, ErrBackendUnavailable):
		httpx.Problem(w, http.StatusBadGateway, "Backend Unavailable", "the ticket service did not respond")
	case errors.Is(err, ErrNothingPending):
		httpx.Problem(w, http.StatusNotFound, http.StatusText(http.StatusNotFound), "nothing to reconcile")
	case errors.Is(err, ErrProvider):
		h.logger.Warn("identity provider", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Sign-in Failed", "the identity provider could not complete the request")
	default:
		h.logger.Error("auth request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
