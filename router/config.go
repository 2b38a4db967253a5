package router

import (
	"fmt"
	"time"
)

// Config defines router timing and buffering.
type Config struct {
	// RequestTimeout is the deadline of every pending request.
	RequestTimeout time.Duration `yaml:"requestTimeout" json:"requestTimeout"`
	// SweepInterval is how often expired requests and idle sessions are collected.
	SweepInterval time.Duration `yaml:"sweepInterval" json:"sweepInterval"`
	// IdleTimeout closes sessions without a stream and without pending requests; 0 disables it.
	IdleTimeout time.Duration `yaml:"idleTimeout" json:"idleTimeout"`
	// OutboxSize bounds messages buffered for one session stream.
	OutboxSize int `yaml:"outboxSize" json:"outboxSize"`
}

// Init sets defaults for unset fields.
func (c *Config) Init() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.OutboxSize == 0 {
		c.OutboxSize = 256
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.RequestTimeout < 0 || c.SweepInterval < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("router timeouts must not be negative")
	}
	if c.OutboxSize < 0 {
		return fmt.Errorf("invalid outbox size: %v", c.OutboxSize)
	}
	return nil
}
