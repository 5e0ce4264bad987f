// Package protocol defines the JSON-RPC 2.0 envelope types and the error
// code taxonomy used on the wire.
//
// Requests are immutable once parsed; the security pipeline produces a
// sanitized copy for handlers rather than mutating the original. The `id`
// field is kept as raw bytes so responses echo it byte-for-byte regardless
// of whether the client sent a number or a string.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version this server speaks.
const Version = "2.0"

// JSON-RPC reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Domain error codes, outside the reserved -32768..-32600 range.
const (
	CodeAuthenticationFailed = -32001
	CodeAuthorizationDenied  = -32002
	CodeRateLimited          = -32003
	CodeNotFound             = -32004
	CodeUpstreamUnavailable  = -32005
	CodeInvalidState         = -32006
)

// Request is an inbound JSON-RPC envelope. ID is nil for notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must never receive a response, even on failure.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// WithParams returns a copy of the request carrying replacement params.
// The id bytes are shared, which is fine: they are never mutated.
func (r *Request) WithParams(params json.RawMessage) *Request {
	clone := *r
	clone.Params = params
	return &clone
}

// ErrorObject is the error member of a response envelope.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is an outbound JSON-RPC envelope. Exactly one of Result/Err is
// set; Result uses json.RawMessage so handlers control their own encoding.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *ErrorObject    `json:"error,omitempty"`
}

// Parse decodes a raw frame into a Request, enforcing the envelope shape.
// A decode failure or a missing method yields an *ErrorObject suitable for
// a synthesized error response.
func Parse(raw []byte) (*Request, *ErrorObject) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &ErrorObject{Code: CodeParseError, Message: "parse error"}
	}
	if req.JSONRPC != Version {
		return &req, &ErrorObject{Code: CodeInvalidRequest, Message: "unsupported jsonrpc version"}
	}
	if req.Method == "" {
		return &req, &ErrorObject{Code: CodeInvalidRequest, Message: "missing method"}
	}
	return &req, nil
}

// NewResult builds a success response echoing the request id. The value is
// marshaled here; a marshal failure degrades to an internal error response
// rather than dropping the reply.
func NewResult(id json.RawMessage, v any) *Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return NewError(id, &ErrorObject{Code: CodeInternalError, Message: "internal error"})
	}
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: raw}
}

// NewRawResult builds a success response around pre-encoded result bytes.
func NewRawResult(id json.RawMessage, raw json.RawMessage) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: raw}
}

// NewError builds an error response echoing the request id.
func NewError(id json.RawMessage, errObj *ErrorObject) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Err: errObj}
}

// Errorf builds an ErrorObject with a formatted message.
func Errorf(code int, format string, args ...any) *ErrorObject {
	return &ErrorObject{Code: code, Message: fmt.Sprintf(format, args...)}
}

// normalizeID maps an absent id to explicit null so the error-response id
// field is always present, per the JSON-RPC spec.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
