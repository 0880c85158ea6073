// Package web3 is a typed JSON-RPC layer built over an EIP-1193 provider.
package web3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/shineum/web3mail-go/internal/eip1193"
)

// ErrNoResult is returned by Call when the response carries no result.
var ErrNoResult = errors.New("response has no result")

// Provider wraps an eip1193.Provider with typed helpers.
type Provider struct {
	provider eip1193.Provider
}

// NewProvider returns a Provider issuing calls through p.
func NewProvider(p eip1193.Provider) *Provider {
	return &Provider{provider: p}
}

// Underlying returns the wrapped provider.
func (p *Provider) Underlying() eip1193.Provider {
	return p.provider
}

// Call issues method with positional params and decodes the result into
// result. A nil result skips decoding.
func (p *Provider) Call(ctx context.Context, result any, method string, params ...any) error {
	args := eip1193.RequestArguments{Method: method}
	if len(params) > 0 {
		args.Params = params
	}

	resp, err := p.provider.Request(ctx, args)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if !resp.HasResult() {
		return fmt.Errorf("%s: %w", method, ErrNoResult)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}

// ChainID returns the hex encoded chain id.
func (p *Provider) ChainID(ctx context.Context) (string, error) {
	var id string
	if err := p.Call(ctx, &id, "eth_chainId"); err != nil {
		return "", err
	}
	return id, nil
}

// Accounts returns the accounts exposed by the provider.
func (p *Provider) Accounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.Call(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// BlockNumber returns the latest block number.
func (p *Provider) BlockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := p.Call(ctx, &hex, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return ParseQuantity(hex)
}

// ParseQuantity decodes a 0x prefixed hex quantity.
func ParseQuantity(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("quantity %q lacks 0x prefix", s)
	}
	n, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return n, nil
}

// Subscription delivers eth_subscription notifications for one id.
type Subscription struct {
	id       string
	provider *Provider
	listener *eip1193.Listener
	ch       chan<- json.RawMessage

	once sync.Once
	done chan struct{}
}

// ID returns the subscription id assigned by the provider.
func (s *Subscription) ID() string {
	return s.id
}

// Subscribe issues eth_subscribe with args and forwards matching notification
// results to ch. Delivery blocks when ch is full, so callers should drain it.
func (p *Provider) Subscribe(ctx context.Context, ch chan<- json.RawMessage, args ...any) (*Subscription, error) {
	sub := &Subscription{provider: p, ch: ch, done: make(chan struct{})}

	// Register before subscribing so no early notification is lost.
	var pending []eip1193.EthSubscription
	var pendingMu sync.Mutex
	ready := false

	sub.listener = eip1193.NewListener(func(eventArgs ...any) {
		for _, arg := range eventArgs {
			msg, ok := arg.(eip1193.ProviderMessage)
			if !ok {
				continue
			}
			n, ok, err := eip1193.AsEthSubscription(msg)
			if !ok || err != nil {
				continue
			}

			pendingMu.Lock()
			if !ready {
				pending = append(pending, n)
				pendingMu.Unlock()
				continue
			}
			pendingMu.Unlock()
			sub.deliver(n)
		}
	})
	p.provider.On(eip1193.EventMessage, sub.listener)

	var id string
	if err := p.Call(ctx, &id, "eth_subscribe", args...); err != nil {
		p.provider.RemoveListener(eip1193.EventMessage, sub.listener)
		return nil, err
	}
	sub.id = id

	pendingMu.Lock()
	ready = true
	queued := pending
	pending = nil
	pendingMu.Unlock()
	for _, n := range queued {
		sub.deliver(n)
	}

	return sub, nil
}

// deliver forwards a matching result. A pending send is abandoned once the
// subscription is unsubscribed.
func (s *Subscription) deliver(n eip1193.EthSubscription) {
	if n.Subscription != s.id {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- n.Result:
	case <-s.done:
	}
}

// Unsubscribe stops delivery and issues eth_unsubscribe. Calling it more than
// once is a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.provider.provider.RemoveListener(eip1193.EventMessage, s.listener)

		var ok bool
		err = s.provider.Call(ctx, &ok, "eth_unsubscribe", s.id)
	})
	return err
}
