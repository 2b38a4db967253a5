package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// AnonymousIdentity is assigned when authentication is disabled.
const AnonymousIdentity = "anonymous"

var (
	// ErrMissingCredential is returned when a request carries no bearer token.
	ErrMissingCredential = errors.New("missing bearer credential")
	// ErrInvalidCredential is returned when the bearer token cannot be verified.
	ErrInvalidCredential = errors.New("invalid bearer credential")
)

// Verdict is the outcome of credential verification.
type Verdict struct {
	Allowed  bool   `json:"allowed"`
	Identity string `json:"identity,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verifier validates the credential carried by a request. An error means the
// credential is missing or unusable; a non-allowed verdict means the caller
// is known but not admitted.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request) (*Verdict, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, r *http.Request) (*Verdict, error)

func (f VerifierFunc) Verify(ctx context.Context, r *http.Request) (*Verdict, error) {
	return f(ctx, r)
}

// AllowAll admits every request as AnonymousIdentity.
var AllowAll Verifier = VerifierFunc(func(ctx context.Context, r *http.Request) (*Verdict, error) {
	return &Verdict{Allowed: true, Identity: AnonymousIdentity}, nil
})

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", ErrMissingCredential
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}

type identityKey struct{}

// WithIdentity returns a context carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by Middleware.
func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey{}).(string)
	return identity, ok
}
