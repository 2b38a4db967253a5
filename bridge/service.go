package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/viant/mcpbridge/auth"
	"github.com/viant/mcpbridge/health"
	"github.com/viant/mcpbridge/metrics"
	"github.com/viant/mcpbridge/router"
	"github.com/viant/mcpbridge/supervisor"
	"github.com/viant/mcpbridge/transport"
)

// Service is one bridge: a supervised upstream process, the session router
// in front of it and the HTTP endpoint serving clients.
type Service struct {
	config     *Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	verifier   auth.Verifier
	supervisor *supervisor.Supervisor
	router     *router.Router
	health     *health.Service
	server     *http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// relay hands upstream traffic to the router; it is bound before the
// supervisor starts.
type relay struct {
	supervisor.Listener
}

// Handler returns the HTTP handler serving every bridge route.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// Start launches the upstream process and waits for its readiness.
func (s *Service) Start(ctx context.Context) error {
	return s.supervisor.Start(ctx)
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Service) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener, starts the upstream process and
// blocks until ctx is done or the upstream cannot be started, then shuts the
// bridge down. Liveness is served while the upstream is still starting.
func (s *Service) Serve(ctx context.Context, listener net.Listener) error {
	served := make(chan error, 1)
	go func() {
		served <- s.server.Serve(listener)
	}()
	s.logger.Info("bridge listening", "addr", listener.Addr().String())
	if err := s.Start(ctx); err != nil {
		s.logger.Error("upstream failed to start", "err", err)
		_ = s.Shutdown(context.Background())
		<-served
		return err
	}
	var err error
	select {
	case <-ctx.Done():
	case err = <-served:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
	return errors.Join(err, s.Shutdown(context.Background()))
}

// Shutdown stops admitting sessions, drains or force-closes the open ones,
// stops the upstream process and finally the HTTP server.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	s.logger.Info("bridge shutting down", "sessions", s.router.Stats().Sessions())
	drainCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.router.Shutdown(drainCtx); err != nil {
		s.logger.Warn("sessions force-closed", "err", err)
	}

	stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), s.config.Upstream.StopGrace+time.Second)
	defer cancelStop()
	err := s.supervisor.Stop(stopCtx)

	serverCtx, cancelServer := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancelServer()
	if serverErr := s.server.Shutdown(serverCtx); serverErr != nil {
		_ = s.server.Close()
	}
	s.health.MarkDead()
	s.logger.Info("bridge stopped")
	return err
}

func (s *Service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	s.health.RegisterHandlers(mux)
	if s.config.MetricsPath != "-" {
		mux.Handle("GET "+s.config.MetricsPath, s.metrics.Handler())
	}
	metadata := s.config.Auth.Metadata()
	if metadata != nil {
		mux.HandleFunc("GET "+auth.MetadataPath, auth.MetadataHandler(metadata))
	}
	admission := auth.Middleware(s.verifier,
		auth.WithLogger(s.logger.With("component", "auth")),
		auth.WithMetrics(s.metrics),
		auth.WithResourceMetadata(metadata != nil))
	handler := transport.New(s.config.Transport, s.router, s.logger.With("component", "transport"))
	handler.RegisterHandlers(mux, admission)
	return mux
}

// New creates a bridge for config; the upstream is not started until Start or Serve.
func New(config *Config, options ...Option) (*Service, error) {
	if config == nil {
		config = &Config{}
	}
	config.Init()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ret := &Service{config: config, logger: slog.Default()}
	for _, option := range options {
		option(ret)
	}
	if ret.metrics == nil {
		ret.metrics = metrics.New()
	}
	if ret.verifier == nil {
		verifier, err := config.Auth.Verifier(context.Background())
		if err != nil {
			return nil, err
		}
		ret.verifier = verifier
	}
	upstream := &relay{}
	var err error
	ret.supervisor, err = supervisor.New(config.Upstream, upstream,
		supervisor.WithLogger(ret.logger.With("component", "supervisor")),
		supervisor.WithMetrics(ret.metrics))
	if err != nil {
		return nil, err
	}
	ret.router = router.New(ret.supervisor, config.Router,
		router.WithLogger(ret.logger.With("component", "router")),
		router.WithMetrics(ret.metrics),
		router.WithHandshake(ret.supervisor))
	upstream.Listener = ret.router
	ret.health = health.New(ret.supervisor, ret.router)
	ret.server = &http.Server{
		Addr:              config.Listen,
		Handler:           ret.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ret, nil
}
