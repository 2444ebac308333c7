package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mernickets/portal/internal/platform/httpclient"
)

// DefaultFirebaseEndpoint is the Identity Toolkit REST base URL.
const DefaultFirebaseEndpoint = "https://identitytoolkit.googleapis.com"

// FirebaseProvider talks to the Firebase Identity Toolkit REST API.
// The id token of each sign-in is kept under the client key until sign-out or
// until it expires, and is used for that client's profile updates.
type FirebaseProvider struct {
	client   httpclient.Doer
	endpoint string
	apiKey   string
	tokens   TokenStore
}

// NewFirebaseProvider constructs a provider for apiKey. An empty endpoint
// selects DefaultFirebaseEndpoint.
func NewFirebaseProvider(client httpclient.Doer, endpoint, apiKey string, tokens TokenStore) *FirebaseProvider {
	if endpoint == "" {
		endpoint = DefaultFirebaseEndpoint
	}
	return &FirebaseProvider{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		tokens:   tokens,
	}
}

type firebaseAccount struct {
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoUrl"`
	EmailVerified bool   `json:"emailVerified"`
	IDToken       string `json:"idToken"`
	ExpiresIn     string `json:"expiresIn"`
}

type firebaseError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignUp implements Provider.
func (p *FirebaseProvider) SignUp(ctx context.Context, key string, creds Credentials) (*Principal, error) {
	return p.authenticate(ctx, key, "accounts:signUp", map[string]any{
		"email":             creds.Email,
		"password":          creds.Password,
		"returnSecureToken": true,
	})
}

// SignIn implements Provider.
func (p *FirebaseProvider) SignIn(ctx context.Context, key string, creds Credentials) (*Principal, error) {
	return p.authenticate(ctx, key, "accounts:signInWithPassword", map[string]any{
		"email":             creds.Email,
		"password":          creds.Password,
		"returnSecureToken": true,
	})
}

// SignInWithGoogle implements Provider using a Google OAuth id token.
func (p *FirebaseProvider) SignInWithGoogle(ctx context.Context, key, idToken string) (*Principal, error) {
	postBody := url.Values{}
	postBody.Set("id_token", idToken)
	postBody.Set("providerId", "google.com")
	return p.authenticate(ctx, key, "accounts:signInWithIdp", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          "http://localhost",
		"returnIdpCredential": true,
		"returnSecureToken":   true,
	})
}

// UpdateProfile implements Provider using the id token of key's sign-in.
func (p *FirebaseProvider) UpdateProfile(ctx context.Context, key, uid string, update ProfileUpdate) (*Principal, error) {
	token, err := p.tokens.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no provider token for %q", ErrProvider, uid)
	}
	body := map[string]any{
		"idToken":           token,
		"returnSecureToken": true,
	}
	if update.DisplayName != "" {
		body["displayName"] = update.DisplayName
	}
	if update.PhotoURL != "" {
		body["photoUrl"] = update.PhotoURL
	}
	principal, err := p.authenticate(ctx, key, "accounts:update", body)
	if err != nil {
		return nil, err
	}
	if principal.UID != uid {
		return nil, fmt.Errorf("%w: provider token belongs to %q, not %q", ErrProvider, principal.UID, uid)
	}
	return principal, nil
}

// SignOut implements Provider. Firebase sessions are client-held, so signing
// out forgets key's id token.
func (p *FirebaseProvider) SignOut(ctx context.Context, key, uid string) error {
	if err := p.tokens.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return nil
}

func (p *FirebaseProvider) authenticate(ctx context.Context, key, method string, body map[string]any) (*Principal, error) {
	var acct firebaseAccount
	if err := p.call(ctx, method, body, &acct); err != nil {
		return nil, err
	}
	if acct.LocalID == "" {
		return nil, fmt.Errorf("%w: %s returned no account", ErrProvider, method)
	}
	if acct.IDToken != "" {
		if err := p.tokens.Put(ctx, key, acct.IDToken, expiresIn(acct.ExpiresIn)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProvider, err)
		}
	}
	return &Principal{
		UID:           acct.LocalID,
		Email:         acct.Email,
		DisplayName:   acct.DisplayName,
		PhotoURL:      acct.PhotoURL,
		EmailVerified: acct.EmailVerified,
	}, nil
}

func (p *FirebaseProvider) call(ctx context.Context, method string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrProvider, method, err)
	}
	endpoint := fmt.Sprintf("%s/v1/%s?key=%s", p.endpoint, method, url.QueryEscape(p.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build %s: %v", ErrProvider, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProvider, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrProvider, method, err)
	}
	if resp.StatusCode >= 300 {
		var fe firebaseError
		if json.Unmarshal(data, &fe) == nil && fe.Error.Message != "" {
			return mapFirebaseError(fe.Error.Message)
		}
		return fmt.Errorf("%w: %s returned %d", ErrProvider, method, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProvider, method, err)
	}
	return nil
}

// expiresIn parses the token lifetime Firebase reports in seconds. Zero means
// unknown.
func expiresIn(raw string) time.Duration {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// mapFirebaseError translates Identity Toolkit error codes. Messages may carry
// a suffix, as in "WEAK_PASSWORD : Password should be at least 6 characters".
func mapFirebaseError(message string) error {
	code := strings.TrimSpace(strings.SplitN(message, ":", 2)[0])
	switch code {
	case "EMAIL_EXISTS":
		return ErrEmailExists
	case "WEAK_PASSWORD":
		return ErrWeakPassword
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS",
		"INVALID_EMAIL", "USER_DISABLED", "INVALID_IDP_RESPONSE", "MISSING_PASSWORD":
		return ErrInvalidCredential
	default:
		return fmt.Errorf("%w: %s", ErrProvider, message)
	}
}
