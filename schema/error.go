package schema

import (
	"errors"

	"github.com/viant/jsonrpc"
)

// JSON-RPC server-error codes produced by the bridge itself.
const (
	UpstreamCrashed     = -32050
	RequestTimeout      = -32051
	OutboundSaturation  = -32052
	UpstreamUnavailable = -32053
	RequestCancelled    = -32054
	SessionClosing      = -32055

	// Unauthorized is the code of admission rejection bodies.
	Unauthorized = -32001
)

var (
	// ErrAdmissionDenied is returned when the authentication verdict rejects a connection.
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrStartupTimeout is returned when the child does not report readiness in time.
	ErrStartupTimeout = errors.New("upstream startup timeout")
	// ErrUpstreamCrashed fails every in-flight request when the child exits unexpectedly.
	ErrUpstreamCrashed = errors.New("upstream crashed")
	// ErrRestartExhausted marks the terminal crashed state.
	ErrRestartExhausted = errors.New("upstream restart attempts exhausted")
	// ErrUpstreamUnavailable is returned when the child is stopped or not yet started.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrRequestTimeout fails a pending request past its deadline.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrMalformedUpstreamMessage marks a child output line that is not a JSON-RPC envelope.
	ErrMalformedUpstreamMessage = errors.New("malformed upstream message")
	// ErrOutboundSaturation is returned when the write queue to the child is full.
	ErrOutboundSaturation = errors.New("outbound queue saturated")
	// ErrSessionNotFound is returned for unknown or foreign session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosing is returned when a session no longer accepts requests.
	ErrSessionClosing = errors.New("session closing")
	// ErrRequestCancelled fails requests removed by a client cancel or a session close.
	ErrRequestCancelled = errors.New("request cancelled")
	// ErrBridgeShuttingDown is returned by admission once shutdown has begun.
	ErrBridgeShuttingDown = errors.New("bridge shutting down")
)

// AsRPCError maps a bridge error to the JSON-RPC error object sent to a client.
func AsRPCError(err error) *jsonrpc.Error {
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, ErrUpstreamCrashed):
		return jsonrpc.NewError(UpstreamCrashed, "upstream process crashed", nil)
	case errors.Is(err, ErrRequestTimeout):
		return jsonrpc.NewError(RequestTimeout, "request timed out", nil)
	case errors.Is(err, ErrOutboundSaturation):
		return jsonrpc.NewError(OutboundSaturation, "upstream is saturated, retry later", nil)
	case errors.Is(err, ErrRestartExhausted), errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrStartupTimeout):
		return jsonrpc.NewError(UpstreamUnavailable, "upstream unavailable, retry later", nil)
	case errors.Is(err, ErrRequestCancelled):
		return jsonrpc.NewError(RequestCancelled, "request cancelled", nil)
	case errors.Is(err, ErrSessionClosing), errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrBridgeShuttingDown):
		return jsonrpc.NewError(SessionClosing, "session is closing", nil)
	}
	return jsonrpc.NewInternalError(err.Error(), nil)
}
