package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/viant/jsonrpc"
)

// Version is the only JSON-RPC version accepted on either side of the bridge.
const Version = "2.0"

// ErrMalformed is returned for input that is not a single JSON-RPC 2.0 envelope.
var ErrMalformed = errors.New("malformed JSON-RPC envelope")

var null = []byte("null")

// Kind classifies an envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "invalid"
}

// Envelope is a JSON-RPC unit exchanged in either direction. The id is kept
// as raw JSON so client ids (numbers or strings) round-trip byte for byte.
type Envelope struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

// HasID reports whether the envelope carries a non-null id.
func (e *Envelope) HasID() bool {
	id := bytes.TrimSpace(e.Id)
	return len(id) > 0 && !bytes.Equal(id, null)
}

// Kind returns the envelope classification.
func (e *Envelope) Kind() Kind {
	switch {
	case e.Method != "" && e.HasID():
		return KindRequest
	case e.Method != "":
		return KindNotification
	case len(e.Id) > 0 && (e.Result != nil || e.Error != nil):
		return KindResponse
	}
	return KindInvalid
}

// WithID returns a shallow copy carrying id; the receiver is left untouched.
func (e *Envelope) WithID(id json.RawMessage) *Envelope {
	ret := *e
	ret.Id = id
	return &ret
}

// Marshal encodes the envelope as a single line without a trailing newline.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Jsonrpc != "" {
		return json.Marshal(e)
	}
	ret := *e
	ret.Jsonrpc = Version
	return json.Marshal(&ret)
}

// NumericID encodes a bridge-assigned correlation id.
func NumericID(id uint64) json.RawMessage {
	return strconv.AppendUint(nil, id, 10)
}

// ParseNumericID decodes a correlation id; ids the bridge never assigns
// (strings, negatives, fractions) report false.
func ParseNumericID(id json.RawMessage) (uint64, bool) {
	value, err := strconv.ParseUint(string(bytes.TrimSpace(id)), 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// Parse decodes and classifies data.
func Parse(data []byte) (*Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	ret := &Envelope{}
	if err := json.Unmarshal(data, ret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ret.Jsonrpc != Version {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrMalformed, ret.Jsonrpc)
	}
	if ret.Kind() == KindInvalid {
		return nil, fmt.Errorf("%w: neither request, response nor notification", ErrMalformed)
	}
	return ret, nil
}

// NewErrorResponse builds an error response addressed to id.
func NewErrorResponse(id json.RawMessage, rpcErr *jsonrpc.Error) *Envelope {
	if len(id) == 0 {
		id = null
	}
	return &Envelope{Jsonrpc: Version, Id: id, Error: rpcErr}
}

// NewResult builds a successful response addressed to id.
func NewResult(id json.RawMessage, result any) (*Envelope, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Envelope{Jsonrpc: Version, Id: id, Result: data}, nil
}

// NewRequest builds a request, marshalling params when non-nil.
func NewRequest(id json.RawMessage, method string, params any) (*Envelope, error) {
	ret := &Envelope{Jsonrpc: Version, Id: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		ret.Params = data
	}
	return ret, nil
}
