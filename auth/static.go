package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// StaticVerifier admits requests carrying one of a fixed set of tokens.
type StaticVerifier struct {
	tokens map[string]string
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, r *http.Request) (*Verdict, error) {
	token, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	for candidate, identity := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return &Verdict{Allowed: true, Identity: identity}, nil
		}
	}
	return nil, ErrInvalidCredential
}

// NewStaticVerifier creates a verifier from a token to identity map.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	ret := &StaticVerifier{tokens: make(map[string]string, len(tokens))}
	for token, identity := range tokens {
		if identity == "" {
			identity = AnonymousIdentity
		}
		ret.tokens[token] = identity
	}
	return ret
}
