package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/mernickets/portal/internal/platform/httpclient"
	"github.com/mernickets/portal/internal/platform/httpx"
)

// TokenSource resolves the application token currently bound to a client.
// An empty token means the client is anonymous for backend purposes.
type TokenSource interface {
	Token(ctx context.Context, key string) (string, error)
}

// Secure attaches the client's application token to every backend request.
type Secure struct {
	client  httpclient.Doer
	baseURL *url.URL
	tokens  TokenSource
	logger  *slog.Logger
}

// NewSecure constructs a Secure adapter rooted at baseURL.
func NewSecure(client httpclient.Doer, baseURL string, tokens TokenSource, logger *slog.Logger) (*Secure, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Secure{client: client, baseURL: u, tokens: tokens, logger: logger}, nil
}

func (s *Secure) token(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrUnauthorized
	}
	token, err := s.tokens.Token(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}

// Do sends req for the client identified by key. Without a token the request
// is not sent and ErrUnauthorized is returned; a backend 401/403 is reported
// the same way.
func (s *Secure) Do(ctx context.Context, key string, req *http.Request) (*http.Response, error) {
	token, err := s.token(ctx, key)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, responseError(resp, req.URL.Path)
	}
	return resp, nil
}

// GetJSON performs an authorized GET of path and decodes the body into out.
func (s *Secure) GetJSON(ctx context.Context, key, path string, out any) error {
	token, err := s.token(ctx, key)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL.String()+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return do(ctx, s.client, req, path, out)
}

type proxyTokenKey struct{}

type doerTransport struct {
	client httpclient.Doer
}

func (t doerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.client.Do(req.Context(), req)
}

// Proxy forwards requests to the backend with the client's bearer token.
// keyOf extracts the client key from the inbound request; onUnauthorized
// answers requests that have no usable token. Inbound paths are appended to
// the backend base URL as-is, so mount the proxy behind http.StripPrefix.
func (s *Secure) Proxy(keyOf func(*http.Request) string, onUnauthorized http.Handler) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.baseURL)
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("X-CSRF-Token")
			if token, ok := pr.In.Context().Value(proxyTokenKey{}).(string); ok {
				pr.Out.Header.Set("Authorization", "Bearer "+token)
			}
		},
		Transport: doerTransport{client: s.client},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode == http.StatusUnauthorized {
				s.logger.Warn("backend rejected application token", slog.String("path", resp.Request.URL.Path))
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Error("backend proxy", slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "backend unavailable")
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := s.token(r.Context(), keyOf(r))
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				s.logger.Error("backend proxy token", slog.Any("error", err))
			}
			onUnauthorized.ServeHTTP(w, r)
			return
		}
		r.Header.Del("Authorization")
		ctx := context.WithValue(r.Context(), proxyTokenKey{}, token)
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}
