// Package bridge assembles the MCP protocol bridge.
//
// A bridge exposes one long-lived upstream MCP server, a child process speaking
// newline-delimited JSON-RPC over stdio, to any number of authenticated HTTP
// clients. The Service wires the pieces together:
//
//	supervisor  spawns, probes and restarts the child process
//	router      sessions, request correlation and notification fan-out
//	transport   request/response POST, SSE stream and message POST adapters
//	auth        bearer admission in front of the transport routes
//	health      /healthz (also /health) and /readyz probes
//	metrics     prometheus registry on /metrics
//
// Configuration comes from an optional YAML file or URL (see Config) with command
// line flags (see Options) taking precedence:
//
//	mcp-bridge -c bridge.yaml --listen :8000 --max-restarts 3 --token secret:alice
//
// Shutdown stops admitting new sessions, lets open sessions drain up to the
// shutdown timeout, force-closes the rest, stops the child and finally the
// HTTP server.
package bridge
