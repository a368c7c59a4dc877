// Package rpcerr implements the JSON-RPC wire envelopes this balancer ever
// returns to a client: either an error envelope or a control-operation
// result envelope (spec §4.7). The HTTP status code is always 200; failure
// is always communicated inside the JSON-RPC body, never via HTTP status.
package rpcerr

import "fmt"

// Code is one of the six error codes this balancer can report.
type Code int

const (
	BadRequest            Code = 400
	NotFound              Code = 404
	RequestTimeout        Code = 408
	InternalServerError   Code = 500
	HandleConnectionError Code = 502
	UnknownError          Code = 520
)

// Error is an internal (non-wire) error carrying a Code and message. It
// implements the standard error interface so it can flow through normal Go
// error handling before being encoded.
type Error struct {
	Code    Code
	Message string
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Envelope is the wire-format JSON-RPC error response (spec §3, §4.7).
type Envelope struct {
	ID      interface{} `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
	Error   string      `json:"error"`
}

// Encode turns an *Error into its wire Envelope: id is always null, jsonrpc
// is always "2.0", and error is the literal string "<code>: <message>".
func Encode(err *Error) Envelope {
	return Envelope{
		ID:      nil,
		JSONRPC: "2.0",
		Error:   err.Error(),
	}
}

// ResultEnvelope is the wire-format success envelope used by control
// operations (add-backend). id is fixed at 1, matching the original
// implementation's JsonRpcResponse::new.
type ResultEnvelope struct {
	ID      int    `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Result  string `json:"result"`
}

func EncodeResult(result string) ResultEnvelope {
	return ResultEnvelope{
		ID:      1,
		JSONRPC: "2.0",
		Result:  result,
	}
}
