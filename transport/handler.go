package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/viant/jsonrpc"
	"github.com/viant/mcpbridge/auth"
	"github.com/viant/mcpbridge/envelope"
	"github.com/viant/mcpbridge/router"
	"github.com/viant/mcpbridge/schema"
)

// Sessions is the router surface used by the adapters.
type Sessions interface {
	Admit(identity string) (*router.Session, error)
	Activate(sessionID string, subscribe bool) error
	Lookup(sessionID, identity string) (*router.Session, error)
	Request(ctx context.Context, sessionID string, msg *envelope.Envelope) (*envelope.Envelope, error)
	Post(sessionID string, msg *envelope.Envelope) error
	Close(sessionID string) error
	Disconnect(sessionID string)
}

// Handler serves the protocol endpoint.
type Handler struct {
	config   *Config
	sessions Sessions
	logger   *slog.Logger
}

// RegisterHandlers mounts the adapters on mux behind the CORS, Origin and
// protocol version middlewares followed by mws.
func (h *Handler) RegisterHandlers(mux *http.ServeMux, mws ...Middleware) {
	chain := append([]Middleware{
		CorsMiddleware(h.config.Cors),
		OriginValidationMiddleware(h.config.AllowedOrigins),
		ProtocolVersionMiddleware(h.config.ProtocolVersions),
	}, mws...)
	handle := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, ChainMiddlewareHandlers(handler, chain...))
	}
	var preflight http.Handler
	if h.config.Cors != nil {
		preflight = ChainMiddlewareHandlers(http.NotFoundHandler(), CorsMiddleware(h.config.Cors))
	}
	for _, prefix := range h.config.Prefixes() {
		paths := []string{prefix, streamPath(prefix), messagePath(prefix)}
		handle("POST "+prefix, h.handleRequest)
		handle("DELETE "+prefix, h.handleDelete)
		handle("GET "+streamPath(prefix), h.streamHandler(prefix))
		handle("POST "+messagePath(prefix), h.handleMessage)
		if prefix != h.config.Prefix {
			// aliases also answer on the slash-terminated path: POST exchanges, GET streams
			root := prefix + "/{$}"
			paths = append(paths, root)
			handle("POST "+root, h.handleRequest)
			handle("GET "+root, h.streamHandler(prefix))
		}
		if preflight == nil {
			continue
		}
		for _, path := range paths {
			mux.Handle("OPTIONS "+path, preflight)
		}
	}
}

// handleRequest is the request/response adapter.
func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.readMessage(w, r)
	if !ok {
		return
	}
	identity := identityOf(r)
	sessionID := r.Header.Get(schema.SessionHeader)
	if sessionID == "" {
		session, err := h.sessions.Admit(identity)
		if err != nil {
			writeRPCError(w, http.StatusServiceUnavailable, msg.Id, err)
			return
		}
		sessionID = session.Id
		if err = h.sessions.Activate(sessionID, false); err != nil {
			writeRPCError(w, statusOf(err), msg.Id, err)
			return
		}
	} else if _, err := h.sessions.Lookup(sessionID, identity); err != nil {
		writeRPCError(w, http.StatusNotFound, msg.Id, err)
		return
	}
	w.Header().Set(schema.SessionHeader, sessionID)

	if msg.Kind() != envelope.KindRequest {
		if err := h.sessions.Post(sessionID, msg); err != nil {
			writeRPCError(w, statusOf(err), nil, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	response, err := h.sessions.Request(r.Context(), sessionID, msg)
	switch {
	case err == nil:
		writeEnvelope(w, http.StatusOK, response)
	case r.Context().Err() != nil:
		// the client went away; its session goes with it
		h.logger.Info("client disconnected during request", "session", sessionID, "method", msg.Method)
		h.sessions.Disconnect(sessionID)
	default:
		writeRPCError(w, statusOf(err), msg.Id, err)
	}
}

// handleDelete closes a session gracefully.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(schema.SessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+schema.SessionHeader, http.StatusBadRequest)
		return
	}
	if _, err := h.sessions.Lookup(sessionID, identityOf(r)); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := h.sessions.Close(sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readMessage decodes one envelope; failures are answered with a JSON-RPC
// parse or invalid request error.
func (h *Handler) readMessage(w http.ResponseWriter, r *http.Request) (*envelope.Envelope, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeEnvelope(w, http.StatusRequestEntityTooLarge, envelope.NewErrorResponse(nil, jsonrpc.NewInvalidRequest(err.Error(), nil)))
			return nil, false
		}
		writeEnvelope(w, http.StatusBadRequest, envelope.NewErrorResponse(nil, jsonrpc.NewInvalidRequest(err.Error(), nil)))
		return nil, false
	}
	msg, err := envelope.Parse(data)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope.NewErrorResponse(nil, jsonrpc.NewParsingError(err.Error(), nil)))
		return nil, false
	}
	return msg, true
}

func identityOf(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity
	}
	return auth.AnonymousIdentity
}

// statusOf maps a bridge error to the HTTP status of a JSON-RPC error body.
// Upstream failures travel as JSON-RPC errors in a 200 response.
func statusOf(err error) int {
	switch {
	case errors.Is(err, schema.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, schema.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrSessionClosing):
		return http.StatusConflict
	case errors.Is(err, schema.ErrBridgeShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, envelope.ErrMalformed):
		return http.StatusBadRequest
	}
	return http.StatusOK
}

func writeRPCError(w http.ResponseWriter, status int, id []byte, err error) {
	writeEnvelope(w, status, envelope.NewErrorResponse(id, schema.AsRPCError(err)))
}

func writeEnvelope(w http.ResponseWriter, status int, msg *envelope.Envelope) {
	data, err := msg.Marshal()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// New creates the protocol endpoint handler.
func New(config *Config, sessions Sessions, logger *slog.Logger) *Handler {
	if config == nil {
		config = &Config{}
	}
	config.Init()
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{config: config, sessions: sessions, logger: logger}
}
