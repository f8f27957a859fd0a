package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603
)

var (
	// ErrEmptyFrame is returned when a frame carries no JSON value.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrEmptyBatchFrame is returned for a "[]" frame.
	ErrEmptyBatchFrame = errors.New("empty batch frame")
)

// Request is an outgoing JSON-RPC request.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             ID              `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params"`
}

// NewRequest builds a request, marshaling params. Nil params are sent as an
// empty positional list.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPCVersion: ProtocolVersion,
		ID:             id,
		Method:         method,
		Params:         raw,
	}, nil
}

// MarshalParams encodes params, mapping nil to [].
func MarshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("[]"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("[]"), nil
		}
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// Response is a direct reply to a request.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             ID              `json:"id"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// HasNullResult reports whether the response succeeded with a null result.
func (r *Response) HasNullResult() bool {
	if r.Error != nil {
		return false
	}
	trimmed := bytes.TrimSpace(r.Result)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a server push on an established subscription.
type Notification struct {
	Method       string          `json:"method"`
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// notificationParams is the params object of a push frame.
type notificationParams struct {
	Subscription *ID             `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Message is one decoded frame element. It is either a direct reply or a
// subscription push; use IsSubscription to tell them apart.
type Message struct {
	JSONRPCVersion string          `json:"jsonrpc,omitempty"`
	ID             *ID             `json:"id,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`

	sub *notificationParams
}

// IsSubscription reports whether the message is a push: it carries a
// notification tag and a params.subscription field, and no id.
func (m *Message) IsSubscription() bool {
	if m.Method == "" || (m.ID != nil && !m.ID.IsZero()) {
		return false
	}
	if m.sub == nil {
		var p notificationParams
		if err := json.Unmarshal(m.Params, &p); err != nil {
			return false
		}
		m.sub = &p
	}
	return m.sub.Subscription != nil && !m.sub.Subscription.IsZero()
}

// Notification returns the push payload. It is nil when the message is not a
// subscription push.
func (m *Message) Notification() *Notification {
	if !m.IsSubscription() {
		return nil
	}
	return &Notification{
		Method:       m.Method,
		Subscription: m.sub.Subscription.Key(),
		Result:       m.sub.Result,
	}
}

// Response returns the message as a direct reply.
func (m *Message) Response() *Response {
	resp := &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
	}
	if m.ID != nil {
		resp.ID = *m.ID
	}
	return resp
}

// DecodeFrame decodes a single object or a batch array.
func DecodeFrame(data []byte) (msgs []*Message, isBatch bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, ErrEmptyFrame
	}

	if trimmed[0] == '[' {
		var batch []*Message
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, true, fmt.Errorf("decode batch frame: %w", err)
		}
		if len(batch) == 0 {
			return nil, true, ErrEmptyBatchFrame
		}
		for i, m := range batch {
			if m == nil {
				return nil, true, fmt.Errorf("decode batch frame: element %d is null", i)
			}
		}
		return batch, true, nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, false, fmt.Errorf("decode frame: %w", err)
	}
	return []*Message{&msg}, false, nil
}
