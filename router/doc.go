// Package router multiplexes client sessions over the single upstream process.
//
// Each forwarded request gets a bridge correlation id, unique among all
// outstanding requests regardless of session, and is recorded in the pending
// table until its response arrives, its deadline passes or its session is
// destroyed. Responses are restored to the client id and delivered only to the
// owning session; responses matching no entry are counted as orphans and
// dropped. Upstream notifications are broadcast to every streaming session that
// is Active when they are emitted.
//
// Sessions move through Admitted, Active, Closing and Closed. Closing still
// drains outstanding requests; a transport disconnect or a force-close removes
// and fails them at once.
package router
