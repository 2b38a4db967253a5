// Package supervisor owns the lifecycle of the single upstream automation
// process.
//
// The process is launched with a fixed argument list built once from Config,
// then an MCP initialize handshake is performed over its stdin/stdout; the
// process is Ready when the handshake response arrives. A periodic ping probe
// kills an unresponsive process. Any unexpected exit is reported to the
// Listener (which fails all in-flight requests) and followed by restarts with
// exponential backoff; once the restart budget is spent the supervisor stays
// in the terminal Crashed state and Send fails immediately.
//
// Outbound traffic goes through a bounded framer.Writer that survives
// restarts: while a new process is starting, messages wait in the queue and
// are only written once that process is Ready, so there is never more than one
// live upstream process.
package supervisor
