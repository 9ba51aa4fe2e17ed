// Package wire frames protocol messages over a byte-oriented duplex stream
// to a tool-server child process. Messages are newline-delimited JSON
// objects in JSON-RPC 2.0 shape.
package wire

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Kind classifies a decoded message by which fields are populated.
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
	default:
		return "invalid"
	}
}

// ErrorObject is the error member of a response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Message is the tagged wire variant. A request carries ID+Method, a
// response carries ID plus exactly one of Result/Error, a notification
// carries Method with no ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

func (m *Message) Kind() Kind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil:
		if m.Result == nil && m.Error == nil {
			return KindInvalid
		}
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// NewRequest builds a request message. params may be nil.
func NewRequest(id int64, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message. params may be nil.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
