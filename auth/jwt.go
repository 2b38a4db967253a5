package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/viant/afs"
)

// JWTConfig configures bearer JWT verification. Exactly one of Secret
// (HMAC) or a PEM public key (RSA or ECDSA) must be set.
type JWTConfig struct {
	Secret        string        `yaml:"secret,omitempty" json:"secret,omitempty"`
	PublicKey     string        `yaml:"publicKey,omitempty" json:"publicKey,omitempty"`
	PublicKeyURL  string        `yaml:"publicKeyURL,omitempty" json:"publicKeyURL,omitempty"`
	Issuer        string        `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience      string        `yaml:"audience,omitempty" json:"audience,omitempty"`
	IdentityClaim string        `yaml:"identityClaim,omitempty" json:"identityClaim,omitempty"`
	Scopes        []string      `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Leeway        time.Duration `yaml:"leeway,omitempty" json:"leeway,omitempty"`
}

// JWTVerifier validates signed bearer tokens.
type JWTVerifier struct {
	config *JWTConfig
	key    any
	parser *jwt.Parser
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, r *http.Request) (*Verdict, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	claims := jwt.MapClaims{}
	if _, err = v.parser.ParseWithClaims(raw, claims, v.keyFunc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	identity, _ := claims[v.config.IdentityClaim].(string)
	if identity == "" {
		return nil, fmt.Errorf("%w: claim %v was empty", ErrInvalidCredential, v.config.IdentityClaim)
	}
	granted := scopes(claims)
	for _, required := range v.config.Scopes {
		if _, ok := granted[required]; !ok {
			return &Verdict{Identity: identity, Reason: "missing scope " + required}, nil
		}
	}
	return &Verdict{Allowed: true, Identity: identity}, nil
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	return v.key, nil
}

// scopes collects the space-delimited "scope" claim and the "scp" list.
func scopes(claims jwt.MapClaims) map[string]struct{} {
	ret := map[string]struct{}{}
	if scope, ok := claims["scope"].(string); ok {
		for _, item := range strings.Fields(scope) {
			ret[item] = struct{}{}
		}
	}
	if list, ok := claims["scp"].([]any); ok {
		for _, item := range list {
			if text, ok := item.(string); ok {
				ret[text] = struct{}{}
			}
		}
	}
	return ret
}

func (c *JWTConfig) publicKeyPEM(ctx context.Context) ([]byte, error) {
	if c.PublicKey != "" {
		return []byte(c.PublicKey), nil
	}
	if c.PublicKeyURL == "" {
		return nil, nil
	}
	data, err := afs.New().DownloadWithURL(ctx, c.PublicKeyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt public key %v: %w", c.PublicKeyURL, err)
	}
	return data, nil
}

// NewJWTVerifier creates a verifier for config.
func NewJWTVerifier(ctx context.Context, config *JWTConfig) (*JWTVerifier, error) {
	if config == nil {
		return nil, errors.New("jwt config was nil")
	}
	if config.IdentityClaim == "" {
		config.IdentityClaim = "sub"
	}
	pemData, err := config.publicKeyPEM(ctx)
	if err != nil {
		return nil, err
	}
	ret := &JWTVerifier{config: config}
	var methods []string
	switch {
	case config.Secret != "" && pemData != nil:
		return nil, errors.New("jwt secret and public key are mutually exclusive")
	case config.Secret != "":
		ret.key = []byte(config.Secret)
		methods = []string{"HS256", "HS384", "HS512"}
	case pemData != nil:
		if key, err := jwt.ParseRSAPublicKeyFromPEM(pemData); err == nil {
			ret.key = key
			methods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
		} else if key, ecErr := jwt.ParseECPublicKeyFromPEM(pemData); ecErr == nil {
			ret.key = key
			methods = []string{"ES256", "ES384", "ES512"}
		} else {
			return nil, fmt.Errorf("unsupported jwt public key: %w", err)
		}
	default:
		return nil, errors.New("jwt secret or public key is required")
	}
	options := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if config.Issuer != "" {
		options = append(options, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		options = append(options, jwt.WithAudience(config.Audience))
	}
	if config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(config.Leeway))
	}
	ret.parser = jwt.NewParser(options...)
	return ret, nil
}
