package supervisor

import (
	"log/slog"

	mcpschema "github.com/viant/mcp-protocol/schema"
	"github.com/viant/mcpbridge/metrics"
)

// Option is a function that configures the supervisor.
type Option func(s *Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithClientInfo sets the implementation announced in the upstream handshake.
func WithClientInfo(name, version string) Option {
	return func(s *Supervisor) {
		s.clientInfo = mcpschema.Implementation{Name: name, Version: version}
	}
}
