// Package metrics exposes the bridge's prometheus collectors: orphaned
// responses, request timeouts, outbound saturation, malformed upstream lines,
// upstream crashes and restarts, and gauges for sessions, pending requests and
// upstream readiness.
package metrics
