package identity

import "context"

// Provider is an external identity service. key identifies the client whose
// provider session the call acts on; other clients signed in to the same
// account are unaffected.
type Provider interface {
	SignUp(ctx context.Context, key string, creds Credentials) (*Principal, error)
	SignIn(ctx context.Context, key string, creds Credentials) (*Principal, error)
	SignInWithGoogle(ctx context.Context, key, idToken string) (*Principal, error)
	UpdateProfile(ctx context.Context, key, uid string, update ProfileUpdate) (*Principal, error)
	SignOut(ctx context.Context, key, uid string) error
}
