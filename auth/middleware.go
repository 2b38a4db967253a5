package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/viant/jsonrpc"
	"github.com/viant/mcp-protocol/oauth2/meta"
	"github.com/viant/mcpbridge/metrics"
	"github.com/viant/mcpbridge/schema"
)

// MetadataPath is where protected resource metadata is served.
const MetadataPath = "/.well-known/oauth-protected-resource"

// Option configures Middleware.
type Option func(a *admission)

// WithMetrics counts rejected admissions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *admission) {
		a.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *admission) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithResourceMetadata advertises the metadata endpoint in the 401 challenge.
func WithResourceMetadata(enabled bool) Option {
	return func(a *admission) {
		a.advertise = enabled
	}
}

type admission struct {
	verifier  Verifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	advertise bool
}

// Middleware rejects requests whose credential does not yield an allowed
// verdict and stores the admitted identity on the request context.
func Middleware(verifier Verifier, options ...Option) func(http.Handler) http.Handler {
	a := &admission{verifier: verifier, logger: slog.Default()}
	for _, option := range options {
		option(a)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			verdict, err := a.verifier.Verify(r.Context(), r)
			if err != nil {
				a.unauthorized(w, r, err)
				return
			}
			if verdict == nil || !verdict.Allowed {
				a.forbidden(w, verdict)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), verdict.Identity)))
		})
	}
}

func (a *admission) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	a.metrics.AdmissionDenied()
	a.logger.Info("admission rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "err", err)
	challenge := "Bearer"
	if a.advertise {
		proto, host := extractProtoAndHost(r)
		challenge = fmt.Sprintf(`Bearer resource_metadata="%s://%s%s"`, proto, host, MetadataPath)
	}
	if errors.Is(err, ErrInvalidCredential) {
		challenge += `, error="invalid_token"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	writeError(w, http.StatusUnauthorized, fmt.Errorf("%w: %w", schema.ErrAdmissionDenied, err))
}

func (a *admission) forbidden(w http.ResponseWriter, verdict *Verdict) {
	a.metrics.AdmissionDenied()
	reason := "access denied"
	identity := ""
	if verdict != nil {
		identity = verdict.Identity
		if verdict.Reason != "" {
			reason = verdict.Reason
		}
	}
	a.logger.Info("admission denied", "identity", identity, "reason", reason)
	writeError(w, http.StatusForbidden, fmt.Errorf("%w: %s", schema.ErrAdmissionDenied, reason))
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&jsonrpc.Error{
		Code:    schema.Unauthorized,
		Message: err.Error(),
	})
}

// MetadataHandler serves OAuth protected resource metadata.
func MetadataHandler(metadata *meta.ProtectedResourceMetadata) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if metadata == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metadata)
	}
}

func extractProtoAndHost(r *http.Request) (string, string) {
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		proto = forwarded
	}
	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}
	return proto, host
}
