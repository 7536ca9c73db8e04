package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// JSONRPCVersion is the only protocol version accepted and emitted
const JSONRPCVersion = "2.0"

// Request is an incoming JSON-RPC message. ID is kept raw so that an absent id
// and an explicit null can both be recognized as notifications while numeric
// and string ids are echoed back byte for byte.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message carries no id (absent or null)
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(bytes.TrimSpace(r.ID), []byte("null"))
}

// Response is an outgoing JSON-RPC message. ID is omitted for errors raised
// before the request was parsed.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func newResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

func newErrorResponse(id json.RawMessage, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}

var errBodyTooLarge = errors.New("request body too large")

// decodeRequest reads one JSON-RPC message from body, reading at most limit bytes.
// Bodies that are not JSON yield -32700. JSON that is not a single request
// object (batches, scalars) yields -32600.
func decodeRequest(body io.Reader, limit int64) (*Request, *RPCError) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, ProtocolError(CodeParseError, "Parse error: Invalid JSON")
	}
	if int64(len(data)) > limit {
		return nil, ProtocolError(CodeInvalidRequest, fmt.Sprintf("Invalid Request: %v", errBodyTooLarge))
	}
	if !json.Valid(data) {
		return nil, ProtocolError(CodeParseError, "Parse error: Invalid JSON")
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, ProtocolError(CodeInvalidRequest, "Invalid Request: expected a single JSON-RPC request object")
	}
	return &req, nil
}
