// Package jsonrpc holds the JSON-RPC 2.0 envelope shared by the transports
// and the node.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shineum/web3mail-go/internal/eip1193"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest encodes args as a request with a fresh UUID id.
func NewRequest(args eip1193.RequestArguments) (*Request, error) {
	if args.Method == "" {
		return nil, errors.New("method is required")
	}

	id, err := json.Marshal(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request id: %w", err)
	}

	req := &Request{JSONRPC: Version, ID: id, Method: args.Method}
	if args.Params != nil {
		params, err := json.Marshal(args.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", args.Method, err)
		}
		req.Params = params
	}
	return req, nil
}

// Validate checks the envelope fields a server relies on.
func (r *Request) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", r.JSONRPC)
	}
	if r.Method == "" {
		return errors.New("method is required")
	}
	return nil
}

// PositionalParams splits array params into their elements. Absent params
// yield an empty slice.
func (r *Request) PositionalParams() ([]json.RawMessage, error) {
	return SplitParams(r.Params)
}

// SplitParams splits a JSON array into its elements.
func SplitParams(params json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, InvalidParams("expected positional params: %v", err)
	}
	return list, nil
}

// NewResponse builds the response to the request identified by id. A non-nil
// err becomes the error member; errors other than *eip1193.ProviderRpcError
// are reported as internal errors.
func NewResponse(id json.RawMessage, result any, err error) *eip1193.Response {
	resp := &eip1193.Response{JSONRPC: Version, ID: id}
	if len(id) == 0 {
		resp.ID = json.RawMessage("null")
	}

	if err != nil {
		var rpcErr *eip1193.ProviderRpcError
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		} else {
			resp.Error = &eip1193.ProviderRpcError{Code: CodeInternalError, Message: err.Error()}
		}
		return resp
	}

	raw, mErr := json.Marshal(result)
	if mErr != nil {
		resp.Error = &eip1193.ProviderRpcError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("failed to marshal result: %v", mErr),
		}
		return resp
	}
	resp.Result = raw
	return resp
}

// InvalidParams returns a -32602 error.
func InvalidParams(format string, args ...any) *eip1193.ProviderRpcError {
	return &eip1193.ProviderRpcError{Code: CodeInvalidParams, Message: "invalid params: " + fmt.Sprintf(format, args...)}
}

// InvalidRequest returns a -32600 error.
func InvalidRequest(format string, args ...any) *eip1193.ProviderRpcError {
	return &eip1193.ProviderRpcError{Code: CodeInvalidRequest, Message: "invalid request: " + fmt.Sprintf(format, args...)}
}

// ParseError returns a -32700 error.
func ParseError(err error) *eip1193.ProviderRpcError {
	return &eip1193.ProviderRpcError{Code: CodeParseError, Message: "parse error: " + err.Error()}
}

// SameID reports whether a response id matches the request id. Numeric and
// string ids are compared by their JSON encoding.
func SameID(requestID json.RawMessage, responseID any) bool {
	got, err := json.Marshal(responseID)
	if err != nil {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(requestID), got)
}
