package bridge

import (
	"log/slog"

	"github.com/viant/mcpbridge/auth"
	"github.com/viant/mcpbridge/metrics"
)

// Option is a function that configures the service.
type Option func(s *Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithVerifier replaces the configured admission verifier, e.g. with an
// external authentication collaborator.
func WithVerifier(verifier auth.Verifier) Option {
	return func(s *Service) {
		s.verifier = verifier
	}
}
