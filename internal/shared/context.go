package shared

import (
	"context"
	"net/http"
)

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ClientKey returns the key identifying the requesting client, or "" when
// no session was loaded.
func ClientKey(r *http.Request) string {
	if sess := SessionFromContext(r.Context()); sess != nil {
		return sess.ID
	}
	return ""
}
