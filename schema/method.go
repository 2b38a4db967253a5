package schema

import "github.com/viant/mcp-protocol/schema"

// Methods the bridge inspects; everything else is routed opaquely.
const (
	MethodInitialize              = "initialize"
	MethodPing                    = "ping"
	MethodNotificationCancel      = "notifications/cancelled"
	MethodNotificationInitialized = "notifications/initialized"
)

// SessionHeader carries the bridge session id on HTTP exchanges.
const SessionHeader = "Mcp-Session-Id"

// ProtocolVersion is the MCP revision used for the bridge's own handshake.
var ProtocolVersion = schema.LatestProtocolVersion
