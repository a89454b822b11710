package server

import (
	"encoding/json"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeAppError       = -32000
)

// message is any JSON-RPC 2.0 frame: a request, a notification (no id) or a
// response (no method).
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

func (m *message) isResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// idString returns the id as a plain string, unquoting string ids.
func (m *message) idString() string {
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

func newResult(id json.RawMessage, result any) (*message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &message{JSONRPC: "2.0", ID: id, Result: data}, nil
}

func newError(id json.RawMessage, code int, msg string) *message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &message{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

func newRequest(id, method string, params any) (*message, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &message{JSONRPC: "2.0", ID: rawID, Method: method, Params: data}, nil
}

func newNotification(method string, params any) (*message, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &message{JSONRPC: "2.0", Method: method, Params: data}, nil
}
