// Package redisrpc implements an EIP-1193 provider that exchanges JSON-RPC
// messages with a node through Redis lists, and receives provider messages
// over Redis pub/sub.
package redisrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/jsonrpc"
)

// Default key names shared with the node.
const (
	DefaultRequestQueue  = "web3mail:requests"
	DefaultEventsChannel = "web3mail:events"
	DefaultReplyPrefix   = "web3mail:reply:"
)

// pollTimeout bounds a single BLPOP so cancellation is noticed promptly.
const pollTimeout = time.Second

// chainIDTimeout bounds the eth_chainId lookup made when listening starts.
const chainIDTimeout = 5 * time.Second

// Envelope is the item pushed onto the request queue.
type Envelope struct {
	ReplyTo string           `json:"replyTo"`
	Request *jsonrpc.Request `json:"request"`
}

// Config holds the configuration for creating a Provider.
type Config struct {
	RequestQueue  string
	EventsChannel string
}

// Provider is an eip1193.Provider that queues requests in Redis.
type Provider struct {
	events eip1193.Emitter

	client        *redis.Client
	requestQueue  string
	eventsChannel string
}

var _ eip1193.Provider = (*Provider)(nil)

// New returns a Provider using client.
func New(client *redis.Client, cfg Config) *Provider {
	if cfg.RequestQueue == "" {
		cfg.RequestQueue = DefaultRequestQueue
	}
	if cfg.EventsChannel == "" {
		cfg.EventsChannel = DefaultEventsChannel
	}
	return &Provider{
		client:        client,
		requestQueue:  cfg.RequestQueue,
		eventsChannel: cfg.EventsChannel,
	}
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

// Request queues args and waits for the node's reply until ctx is done.
func (p *Provider) Request(ctx context.Context, args eip1193.RequestArguments) (*eip1193.Response, error) {
	req, err := jsonrpc.NewRequest(args)
	if err != nil {
		return nil, err
	}

	replyTo := DefaultReplyPrefix + uuid.NewString()
	data, err := json.Marshal(Envelope{ReplyTo: replyTo, Request: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := p.client.RPush(ctx, p.requestQueue, data).Err(); err != nil {
		return nil, fmt.Errorf("failed to queue %s: %w", args.Method, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vals, err := p.client.BLPop(ctx, pollTimeout, replyTo).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read reply for %s: %w", args.Method, err)
		}

		var resp eip1193.Response
		if err := json.Unmarshal([]byte(vals[1]), &resp); err != nil {
			return nil, fmt.Errorf("invalid reply for %s: %w", args.Method, err)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		if !jsonrpc.SameID(req.ID, resp.ID) {
			return nil, fmt.Errorf("%s: reply id %v does not match request", args.Method, resp.ID)
		}
		return &resp, nil
	}
}

// fetchChainID asks the node for eth_chainId. It returns "" when the node does
// not answer with a string.
func (p *Provider) fetchChainID(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, chainIDTimeout)
	defer cancel()

	resp, err := p.Request(ctx, eip1193.RequestArguments{Method: "eth_chainId"})
	if err != nil {
		slog.Warn("chain id unavailable", "error", err)
		return ""
	}
	if !resp.HasResult() {
		return ""
	}
	var chainID string
	if err := json.Unmarshal(resp.Result, &chainID); err != nil {
		slog.Warn("chain id malformed", "result", string(resp.Result), "error", err)
		return ""
	}
	return chainID
}

// Listen subscribes to the events channel, emits connect once subscribed and
// then emits each published provider message as a message event. It blocks
// until ctx is done and emits disconnect on the way out.
func (p *Provider) Listen(ctx context.Context) error {
	sub := p.client.Subscribe(ctx, p.eventsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		p.events.Emit(eip1193.EventDisconnect, eip1193.NewRpcError(eip1193.StatusDisconnected, err.Error()))
		return fmt.Errorf("failed to subscribe to %s: %w", p.eventsChannel, err)
	}

	chainID := p.fetchChainID(ctx)
	slog.Info("listening for provider messages", "channel", p.eventsChannel, "chain_id", chainID)
	p.events.Emit(eip1193.EventConnect, eip1193.ProviderConnectInfo{ChainID: chainID})

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			p.events.Emit(eip1193.EventDisconnect, eip1193.NewRpcError(eip1193.StatusDisconnected, ctx.Err().Error()))
			return nil
		case m, ok := <-ch:
			if !ok {
				p.events.Emit(eip1193.EventDisconnect, eip1193.NewRpcError(eip1193.StatusDisconnected, "subscription closed"))
				return errors.New("subscription closed")
			}
			var msg eip1193.ProviderMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				slog.Warn("dropping malformed provider message", "channel", m.Channel, "error", err)
				continue
			}
			p.events.Emit(eip1193.EventMessage, msg)
		}
	}
}
