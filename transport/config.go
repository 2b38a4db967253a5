package transport

import (
	"fmt"
	"strings"
	"time"
)

// Config defines the protocol endpoint.
type Config struct {
	// Prefix is the path the protocol endpoint is mounted under.
	Prefix string `yaml:"prefix" json:"prefix"`
	// Aliases mount the same endpoint under additional prefixes; nil means /api/mcp.
	Aliases []string `yaml:"aliases" json:"aliases"`
	// KeepAlive is the interval of comment frames on idle streams.
	KeepAlive time.Duration `yaml:"keepAlive" json:"keepAlive"`
	// MaxBodyBytes bounds one posted JSON-RPC message.
	MaxBodyBytes int64 `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	// ProtocolVersions lists accepted MCP-Protocol-Version values; empty accepts any.
	ProtocolVersions []string `yaml:"protocolVersions,omitempty" json:"protocolVersions,omitempty"`
	AllowedOrigins   []string `yaml:"allowedOrigins,omitempty" json:"allowedOrigins,omitempty"`
	Cors             *Cors    `yaml:"cors,omitempty" json:"cors,omitempty"`
}

// Init sets defaults for unset fields.
func (c *Config) Init() {
	if c.Prefix == "" {
		c.Prefix = "/mcp"
	}
	c.Prefix = normalizePrefix(c.Prefix)
	if c.Aliases == nil {
		c.Aliases = []string{"/api/mcp"}
	}
	for i, alias := range c.Aliases {
		c.Aliases[i] = normalizePrefix(alias)
	}
	if c.Cors == nil {
		c.Cors = DefaultCors()
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 4 << 20
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Prefix == "/" {
		return fmt.Errorf("protocol prefix must not be the root path")
	}
	seen := map[string]bool{c.Prefix: true}
	for _, alias := range c.Aliases {
		if alias == "/" {
			return fmt.Errorf("protocol alias must not be the root path")
		}
		if seen[alias] {
			return fmt.Errorf("duplicate protocol prefix %v", alias)
		}
		seen[alias] = true
	}
	if c.KeepAlive < 0 || c.MaxBodyBytes < 0 {
		return fmt.Errorf("transport limits must not be negative")
	}
	return nil
}

// Prefixes returns the primary prefix followed by the aliases.
func (c *Config) Prefixes() []string {
	return append([]string{c.Prefix}, c.Aliases...)
}

func normalizePrefix(prefix string) string {
	return "/" + strings.Trim(prefix, "/")
}

func streamPath(prefix string) string  { return prefix + "/sse" }
func messagePath(prefix string) string { return prefix + "/message" }
