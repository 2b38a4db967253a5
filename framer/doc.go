// Package framer converts the child process byte streams into JSON-RPC
// envelopes and back.
//
// Inbound, Messages turns the child's stdout into a lazy iter.Seq of parsed
// envelopes, skipping (and logging) any line that is not a valid envelope.
// Outbound, Writer keeps a bounded queue of newline-delimited frames drained by
// a single goroutine, reporting schema.ErrOutboundSaturation instead of growing
// without bound when the child stops reading its stdin.
package framer
