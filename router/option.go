package router

import (
	"log/slog"

	"github.com/viant/mcpbridge/metrics"
)

// Option is a function that configures the router.
type Option func(r *Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithHandshake answers client initialize requests from the upstream
// handshake instead of forwarding them.
func WithHandshake(handshake Handshake) Option {
	return func(r *Router) {
		r.handshake = handshake
	}
}
