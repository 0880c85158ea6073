// Package eip1193 defines the EIP-1193 provider contract the web3mail client
// talks through: request/response calls keyed by method name, and event
// registration for out-of-band notifications.
package eip1193

import (
	"context"
	"encoding/json"
)

// RequestArguments describes a single provider call.
// Params is either a positional slice, an object, or nil when the method
// takes no arguments.
type RequestArguments struct {
	Method string
	Params any
}

// Response is the result envelope returned by a provider request.
// Result is left nil when the remote omitted it.
type Response struct {
	JSONRPC string            `json:"jsonrpc,omitempty"`
	ID      any               `json:"id,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *ProviderRpcError `json:"error,omitempty"`
}

// HasResult reports whether the envelope carries a result value.
// A JSON null result counts as absent.
func (r *Response) HasResult() bool {
	if r == nil || len(r.Result) == 0 {
		return false
	}
	return string(r.Result) != "null"
}

// Provider is the capability set a transport must expose.
//
// Request blocks until the call settles or ctx is done. Transport and remote
// failures are returned as errors, typically *ProviderRpcError. Retry, timeout
// and backpressure policy belong to the implementation.
//
// On and RemoveListener register and remove event listeners and return the
// provider itself so calls can be chained.
type Provider interface {
	Request(ctx context.Context, args RequestArguments) (*Response, error)
	On(event EventType, listener *Listener) Provider
	RemoveListener(event EventType, listener *Listener) Provider
}

// EventType names a provider event.
type EventType string

// Standard provider events.
const (
	EventConnect         EventType = "connect"
	EventDisconnect      EventType = "disconnect"
	EventMessage         EventType = "message"
	EventChainChanged    EventType = "chainChanged"
	EventAccountsChanged EventType = "accountsChanged"
)

// Listener is an event callback. Listeners are compared by pointer, so the
// value passed to On must be the one later passed to RemoveListener.
type Listener struct {
	fn func(args ...any)
}

// NewListener wraps fn as a Listener.
func NewListener(fn func(args ...any)) *Listener {
	return &Listener{fn: fn}
}

// Call invokes the wrapped callback. A nil Listener is a no-op.
func (l *Listener) Call(args ...any) {
	if l == nil || l.fn == nil {
		return
	}
	l.fn(args...)
}
