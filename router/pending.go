package router

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/viant/mcpbridge/envelope"
)

// pendingRequest is a client request in flight to the upstream process.
type pendingRequest struct {
	id        uint64
	clientID  json.RawMessage
	method    string
	session   *Session
	submitted time.Time
	deadline  time.Time
	// reply is set for request/response exchanges; streamed requests are
	// answered through the session outbox.
	reply chan *reply
}

type reply struct {
	msg *envelope.Envelope
	err error
}

// sameID compares two raw JSON ids ignoring insignificant whitespace.
func sameID(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
