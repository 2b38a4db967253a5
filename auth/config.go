package auth

import (
	"context"
	"fmt"

	"github.com/viant/mcp-protocol/oauth2/meta"
)

// Supported admission modes.
const (
	ModeNone   = "none"
	ModeStatic = "static"
	ModeJWT    = "jwt"
)

// Config selects and configures the admission verifier.
type Config struct {
	Mode string `yaml:"mode" json:"mode"`
	// Tokens maps static bearer tokens to identities.
	Tokens map[string]string `yaml:"tokens,omitempty" json:"tokens,omitempty"`
	JWT    *JWTConfig        `yaml:"jwt,omitempty" json:"jwt,omitempty"`
	// Resource and AuthorizationServers are published as OAuth protected
	// resource metadata and referenced by the 401 challenge.
	Resource             string   `yaml:"resource,omitempty" json:"resource,omitempty"`
	AuthorizationServers []string `yaml:"authorizationServers,omitempty" json:"authorizationServers,omitempty"`
}

// Init sets defaults.
func (c *Config) Init() {
	if c.Mode == "" {
		switch {
		case c.JWT != nil:
			c.Mode = ModeJWT
		case len(c.Tokens) > 0:
			c.Mode = ModeStatic
		default:
			c.Mode = ModeNone
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeNone:
	case ModeStatic:
		if len(c.Tokens) == 0 {
			return fmt.Errorf("auth mode %v requires tokens", c.Mode)
		}
	case ModeJWT:
		if c.JWT == nil {
			return fmt.Errorf("auth mode %v requires jwt settings", c.Mode)
		}
	default:
		return fmt.Errorf("unsupported auth mode: %v", c.Mode)
	}
	return nil
}

// Verifier builds the configured verifier.
func (c *Config) Verifier(ctx context.Context) (Verifier, error) {
	switch c.Mode {
	case ModeStatic:
		return NewStaticVerifier(c.Tokens), nil
	case ModeJWT:
		return NewJWTVerifier(ctx, c.JWT)
	case ModeNone, "":
		return AllowAll, nil
	}
	return nil, fmt.Errorf("unsupported auth mode: %v", c.Mode)
}

// Metadata returns the protected resource metadata, or nil when none was configured.
func (c *Config) Metadata() *meta.ProtectedResourceMetadata {
	if c.Resource == "" {
		return nil
	}
	servers := c.AuthorizationServers
	if servers == nil {
		servers = []string{}
	}
	return &meta.ProtectedResourceMetadata{Resource: c.Resource, AuthorizationServers: servers}
}
