// Package envelope models the JSON-RPC 2.0 message envelope routed by the bridge.
//
// The bridge never interprets MCP payloads: params and results stay raw JSON.
// Only the envelope shape (id, method, result, error) is examined, which is all
// that is needed to correlate requests with responses and to tell notifications
// apart.
package envelope
