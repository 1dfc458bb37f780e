// types.go defines the JSON-RPC 2.0 envelope and the bundler's error code
// space.
package rpc

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 protocol errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Bundler-specific errors.
const (
	CodeInvalidUserOp        = -32000
	CodeUnsupportedOperation = -32001
	CodeGasTooLow            = -32002
	CodePaymasterDepleted    = -32003
	CodeRateLimited          = -32004
	CodeUnauthorized         = -32005
	CodeInsufficientFunds    = -32006
	CodeEntryPointError      = -32007
)

// Request is a single JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

// valid reports whether the envelope conforms to JSON-RPC 2.0 with an id of
// string, number, or null.
func (r *Request) valid() bool {
	if r.JSONRPC != "2.0" || r.Method == "" {
		return false
	}
	if len(r.ID) == 0 {
		return true // absent id, treated as null
	}
	var id interface{}
	if err := json.Unmarshal(r.ID, &id); err != nil {
		return false
	}
	switch id.(type) {
	case string, float64, nil:
		return true
	}
	return false
}

// Response is a single JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func successResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: "2.0", Result: result, ID: normalizeID(id)}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      normalizeID(id),
	}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
