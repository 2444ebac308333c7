// Package session keeps each client's view of who is signed in and what they
// may access, and keeps it in step with identity provider events.
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mernickets/portal/internal/identity"
)

// State is a client's session: identity, application token, role and the
// loading flag raised while an identity change is being synchronized.
type State struct {
	Identity   *identity.Principal
	Token      string
	Role       Role
	Loading    bool
	Generation uint64
}

// Authenticated reports whether the state carries a usable application
// token. Without one the client is anonymous for authorization purposes,
// whatever the identity provider says.
func (s State) Authenticated(now time.Time) bool {
	if s.Token == "" {
		return false
	}
	return !tokenExpired(s.Token, now)
}

// tokenExpired reads the exp claim without verifying the signature; the
// backend remains the verifier. Opaque tokens never expire here.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}
