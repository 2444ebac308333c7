package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// GoogleTokenPrefix marks development Google id tokens accepted by
// MemoryProvider, e.g. "google:ann@x.com".
const GoogleTokenPrefix = "google:"

const minPasswordLength = 6

type memoryAccount struct {
	principal Principal
	hash      []byte
}

// MemoryProvider keeps accounts in memory. It is used for local development
// and tests.
type MemoryProvider struct {
	cost int

	mu       sync.RWMutex
	accounts map[string]*memoryAccount
	byUID    map[string]*memoryAccount
	signedIn map[string]string // client key -> uid
}

// NewMemoryProvider returns an empty provider hashing passwords with the given
// bcrypt cost. A non-positive cost selects bcrypt.DefaultCost.
func NewMemoryProvider(cost int) *MemoryProvider {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &MemoryProvider{
		cost:     cost,
		accounts: make(map[string]*memoryAccount),
		byUID:    make(map[string]*memoryAccount),
		signedIn: make(map[string]string),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp implements Provider.
func (p *MemoryProvider) SignUp(ctx context.Context, key string, creds Credentials) (*Principal, error) {
	email := normalizeEmail(creds.Email)
	if email == "" {
		return nil, ErrInvalidCredential
	}
	if len(creds.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), p.cost)
	if err != nil {
		return nil, fmt.Errorf("%w: hash password: %v", ErrProvider, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[email]; ok {
		return nil, ErrEmailExists
	}
	acct := &memoryAccount{
		principal: Principal{UID: uuid.NewString(), Email: email},
		hash:      hash,
	}
	p.accounts[email] = acct
	p.byUID[acct.principal.UID] = acct
	p.signedIn[key] = acct.principal.UID
	principal := acct.principal
	return &principal, nil
}

// SignIn implements Provider.
func (p *MemoryProvider) SignIn(ctx context.Context, key string, creds Credentials) (*Principal, error) {
	email := normalizeEmail(creds.Email)

	p.mu.RLock()
	acct, ok := p.accounts[email]
	p.mu.RUnlock()
	if !ok || acct.hash == nil {
		return nil, ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredential
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.signedIn[key] = acct.principal.UID
	principal := acct.principal
	return &principal, nil
}

// SignInWithGoogle implements Provider. Accounts are created on first use.
func (p *MemoryProvider) SignInWithGoogle(ctx context.Context, key, idToken string) (*Principal, error) {
	if !strings.HasPrefix(idToken, GoogleTokenPrefix) {
		return nil, ErrInvalidCredential
	}
	email := normalizeEmail(strings.TrimPrefix(idToken, GoogleTokenPrefix))
	if email == "" {
		return nil, ErrInvalidCredential
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[email]
	if !ok {
		acct = &memoryAccount{principal: Principal{
			UID:           uuid.NewString(),
			Email:         email,
			DisplayName:   strings.Split(email, "@")[0],
			EmailVerified: true,
		}}
		p.accounts[email] = acct
		p.byUID[acct.principal.UID] = acct
	}
	p.signedIn[key] = acct.principal.UID
	principal := acct.principal
	return &principal, nil
}

// UpdateProfile implements Provider. Empty fields are left unchanged.
func (p *MemoryProvider) UpdateProfile(ctx context.Context, key, uid string, update ProfileUpdate) (*Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.byUID[uid]
	if !ok || p.signedIn[key] != uid {
		return nil, fmt.Errorf("%w: no signed-in account %q", ErrProvider, uid)
	}
	if update.DisplayName != "" {
		acct.principal.DisplayName = update.DisplayName
	}
	if update.PhotoURL != "" {
		acct.principal.PhotoURL = update.PhotoURL
	}
	principal := acct.principal
	return &principal, nil
}

// SignOut implements Provider.
func (p *MemoryProvider) SignOut(ctx context.Context, key, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.signedIn, key)
	return nil
}
