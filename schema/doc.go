// Package schema defines the bridge error taxonomy, the JSON-RPC codes clients
// observe for bridge-originated failures, and the few MCP method names the
// bridge inspects while routing.
package schema
