package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mernickets/portal/internal/platform/httpclient"
)

// Public calls backend endpoints that need no application token.
type Public struct {
	client  httpclient.Doer
	baseURL string
}

// NewPublic constructs a Public adapter rooted at baseURL.
func NewPublic(client httpclient.Doer, baseURL string) *Public {
	return &Public{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// ExchangeToken trades a verified email for an application token
// (POST /auth/jwt).
func (p *Public) ExchangeToken(ctx context.Context, email string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := p.send(ctx, http.MethodPost, "/auth/jwt", map[string]string{"email": email}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: /auth/jwt returned no token", ErrBadResponse)
	}
	return out.Token, nil
}

// FetchProfile reads the stored profile for email (GET /auth/me).
func (p *Public) FetchProfile(ctx context.Context, email string) (*Profile, error) {
	var out Profile
	path := "/auth/me?email=" + url.QueryEscape(email)
	if err := p.send(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertProfile provisions the profile for in.Email (POST /auth/register).
// The backend treats repeated calls for the same email as no-ops.
func (p *Public) UpsertProfile(ctx context.Context, in ProfileInput) (*Profile, error) {
	var out Profile
	if err := p.send(ctx, http.MethodPost, "/auth/register", in, &out); err != nil {
		return nil, err
	}
	if out.Email == "" {
		out = Profile{Name: in.Name, Email: in.Email, Photo: in.Photo}
	}
	return &out, nil
}

func (p *Public) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Token exchange, profile reads and the register upsert are all safe to repeat.
	ctx = httpclient.MarkIdempotent(ctx)
	return do(ctx, p.client, req, path, out)
}

func do(ctx context.Context, client httpclient.Doer, req *http.Request, call string, out any) error {
	resp, err := client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, call, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp, call)
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, call, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadResponse, call, err)
	}
	return nil
}
