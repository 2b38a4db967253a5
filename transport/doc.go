// Package transport adapts HTTP to the session router.
//
// Two adapters share one path prefix (default /mcp):
//
//	POST   /mcp                       request/response: holds the exchange until the response
//	DELETE /mcp                       closes the session named by Mcp-Session-Id
//	GET    /mcp/sse                   streaming: endpoint event, then responses and notifications
//	POST   /mcp/message?sessionId=ID  submits into a streaming session, answered on its stream
//
// Sessions are bound to the identity admitted by the auth middleware; a
// session id presented under another identity is reported as not found.
package transport
