// Package loopback implements an in-process EIP-1193 provider that hands
// requests straight to a node dispatcher.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/jsonrpc"
	"github.com/shineum/web3mail-go/internal/node"
)

// Provider dispatches requests in-process. Params go through a JSON round
// trip so callers see the same encoding rules as over a network transport.
type Provider struct {
	events     eip1193.Emitter
	dispatcher *node.Dispatcher
	forward    *eip1193.Listener
}

var _ eip1193.Provider = (*Provider)(nil)

// New returns a Provider bound to d. Subscription notifications from d are
// emitted as message events until Close is called.
func New(d *node.Dispatcher) *Provider {
	p := &Provider{dispatcher: d}
	p.forward = eip1193.NewListener(func(args ...any) {
		p.events.Emit(eip1193.EventMessage, args...)
	})
	d.OnMessage(p.forward)
	return p
}

// Connect emits connect with the dispatcher's chain id.
func (p *Provider) Connect(ctx context.Context) error {
	result, err := p.dispatcher.Handle(ctx, "eth_chainId", nil)
	if err != nil {
		return err
	}
	chainID, _ := result.(string)
	p.events.Emit(eip1193.EventConnect, eip1193.ProviderConnectInfo{ChainID: chainID})
	return nil
}

// Close stops forwarding notifications and emits disconnect.
func (p *Provider) Close() {
	p.dispatcher.RemoveMessageListener(p.forward)
	p.events.Emit(eip1193.EventDisconnect, eip1193.NewRpcError(eip1193.StatusDisconnected, nil))
}

// On registers listener for event.
func (p *Provider) On(event eip1193.EventType, listener *eip1193.Listener) eip1193.Provider {
	p.events.AddListener(event, listener)
	return p
}

// RemoveListener removes listener for event.
func (p *Provider) RemoveListener(event eip1193.EventType, listener *eip1193.Listener) eip1193.Provider {
	p.events.DeleteListener(event, listener)
	return p
}

// Request dispatches args and returns the response envelope. Error responses
// are returned as *eip1193.ProviderRpcError.
func (p *Provider) Request(ctx context.Context, args eip1193.RequestArguments) (*eip1193.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req, err := jsonrpc.NewRequest(args)
	if err != nil {
		return nil, err
	}

	resp := p.dispatcher.Serve(ctx, req)
	if resp.Error != nil {
		return nil, resp.Error
	}

	// Decode the id the way a network client would see it.
	var id any
	if err := json.Unmarshal(req.ID, &id); err != nil {
		return nil, fmt.Errorf("failed to decode request id: %w", err)
	}
	resp.ID = id
	return resp, nil
}
