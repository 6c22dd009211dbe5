// Package jsonrpc implements the JSON-RPC 2.0 wire format: envelope
// encoding/decoding, request/notification/response/batch classification, and
// the reserved protocol error codes.
//
// The codec is transport-agnostic and stateless. One decoded frame is either
// a single envelope or a batch of raw elements; batch elements are parsed
// individually by the dispatcher so that one malformed element cannot poison
// its siblings.
package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Version is the only protocol version this codec speaks.
const Version = "2.0"

// Kind classifies a decoded envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

// Message is a single JSON-RPC envelope. Field presence drives
// classification:
//
//	method + id          → request
//	method, no id        → notification
//	no method, id, and exactly one of result/error → response
//
// Absent optional fields are omitted on the wire, never emitted as null.
// The one exception is a response id, which is always present (null when the
// originating id was unrecoverable).
type Message struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *ID             `json:"id,omitempty"`

	// hasID distinguishes "id": null (present, null id) from an absent id
	// field. Only meaningful after UnmarshalJSON.
	hasID bool
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type wire struct {
		Version string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
		ID      json.RawMessage `json:"id"`
	}
	var w wire
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return err
	}
	m.Version = w.Version
	m.Method = w.Method
	m.Params = w.Params
	m.Result = w.Result
	m.Error = w.Error
	m.ID = nil
	m.hasID = w.ID != nil
	if m.hasID {
		id := new(ID)
		if err := id.UnmarshalJSON(w.ID); err != nil {
			return err
		}
		m.ID = id
	}
	return nil
}

// Kind classifies the message per the field-presence rules. A message that
// fits no rule (or carries both result and error) is KindInvalid.
func (m *Message) Kind() Kind {
	hasID := m.hasID || m.ID != nil
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID && (m.Result != nil) != (m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// ResponseID returns the id a reply to this message must carry: the request
// id when one was recoverable, the null id otherwise.
func (m *Message) ResponseID() *ID {
	if m.ID != nil {
		return m.ID
	}
	return NullID()
}

// Encode marshals the envelope to its wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewRequest builds a request envelope. params may be nil for parameterless
// calls, in which case the field is omitted entirely.
func NewRequest(id *ID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Version: Version, Method: method, Params: raw, ID: id, hasID: true}, nil
}

// NewNotification builds a notification envelope (no id, no reply expected).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Version: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response. A nil result encodes as JSON null,
// keeping the result-XOR-error invariant visible on the wire.
func NewResponse(id *ID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if id == nil {
		id = NullID()
	}
	return &Message{Version: Version, Result: raw, ID: id, hasID: true}, nil
}

// NewErrorResponse builds an error response. A nil id becomes the null id.
func NewErrorResponse(id *ID, rpcErr *Error) *Message {
	if id == nil {
		id = NullID()
	}
	return &Message{Version: Version, Error: rpcErr, ID: id, hasID: true}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// Frame is one decoded wire frame: either a single envelope or a batch of
// still-unparsed elements.
type Frame struct {
	Batch bool
	Elems []json.RawMessage
}

// DecodeFrame splits a wire frame into its elements without parsing them.
//
//	invalid JSON        → -32700
//	empty batch         → -32600
//	single envelope     → Frame{Batch: false, Elems: [frame]}
//	batch               → Frame{Batch: true, Elems: children}
func DecodeFrame(data []byte) (*Frame, *Error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, ParseError("empty frame")
	}
	if trimmed[0] != '[' {
		if !json.Valid(trimmed) {
			return nil, ParseError("invalid JSON")
		}
		return &Frame{Elems: []json.RawMessage{trimmed}}, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, ParseError(err.Error())
	}
	if len(elems) == 0 {
		return nil, InvalidRequest("empty batch")
	}
	return &Frame{Batch: true, Elems: elems}, nil
}

// ParseMessage parses one envelope out of a frame element.
//
//	invalid JSON                → -32700
//	nested batch / wrong shape  → -32600
func ParseMessage(raw json.RawMessage) (*Message, *Error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, InvalidRequest("nested batch")
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		if !json.Valid(trimmed) {
			return nil, ParseError(err.Error())
		}
		return nil, InvalidRequest(err.Error())
	}
	if msg.Version != Version {
		return nil, InvalidRequest("unsupported jsonrpc version")
	}
	if msg.Kind() == KindInvalid {
		return nil, InvalidRequest("malformed envelope")
	}
	return &msg, nil
}
