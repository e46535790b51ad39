// Package message defines the JSON-RPC envelope carried inside RPC frames and
// the result codes a node stamps on every response frame.
//
// The envelope travels as the payload of a protocol.TypeRPC frame. The frame
// sequence correlates the response; the envelope ID is the JSON-RPC counter
// and plays no part in matching.
package message

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Request is the JSON-RPC body sent to the node.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int64             `json:"id"`
}

// NewRequest marshals each parameter up front so middleware and logs see the
// exact bytes that go on the wire. Nil params become an empty array.
func NewRequest(id int64, method string, params []any) (*Request, error) {
	raw := make([]json.RawMessage, 0, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("message: marshal param %d of %s: %w", i, method, err)
		}
		raw = append(raw, b)
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw, ID: id}, nil
}

// Response is what comes back for one request: the frame-level result code
// and the raw JSON body, undecoded.
type Response struct {
	Code    int32
	Payload []byte
}

// Reply is the JSON-RPC body a node writes back on success.
type Reply struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result"`
}

// Result codes stamped on response frames.
const (
	CodeSuccess         = 0
	CodeNodeUnreachable = 100
	CodeSDKUnreachable  = 101
	CodeTimeout         = 102
)

var codeText = map[int32]string{
	CodeSuccess:         "success",
	CodeNodeUnreachable: "node unreachable",
	CodeSDKUnreachable:  "sdk unreachable",
	CodeTimeout:         "timeout",
}

// CodeText returns the message for a result code, or "unknown error <code>".
func CodeText(code int32) string {
	if msg, ok := codeText[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error %d", code)
}

// JSON-RPC error codes used by the node endpoint.
const (
	ErrCodeParse          = -32700
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603
)

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorReply is the JSON-RPC body for a request the node understood at the
// frame level but could not serve. It travels with result code 0.
type ErrorReply struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Error   *RPCError `json:"error"`
}
