package transport

import (
	"net/http"
	"slices"

	"github.com/viant/mcpbridge/schema"
)

// ProtocolVersionHeader carries the negotiated MCP revision on HTTP exchanges.
const ProtocolVersionHeader = "MCP-Protocol-Version"

// ProtocolVersionMiddleware rejects requests announcing an MCP revision
// outside supported (when non-empty) and echoes the revision in use.
func ProtocolVersionMiddleware(supported []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			version := r.Header.Get(ProtocolVersionHeader)
			if version != "" && len(supported) > 0 && !slices.Contains(supported, version) {
				http.Error(w, "unsupported "+ProtocolVersionHeader, http.StatusBadRequest)
				return
			}
			if version == "" {
				version = schema.ProtocolVersion
			}
			w.Header().Set(ProtocolVersionHeader, version)
			next.ServeHTTP(w, r)
		})
	}
}
