package redisrpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/redistest"
)

// respond pops one queued envelope and pushes the reply built by fn.
func respond(t *testing.T, client *redis.Client, queue string, fn func(env Envelope) any) {
	t.Helper()
	go func() {
		vals, err := client.BLPop(context.Background(), 5*time.Second, queue).Result()
		if err != nil {
			t.Errorf("BLPOP failed: %v", err)
			return
		}
		var env Envelope
		if err := json.Unmarshal([]byte(vals[1]), &env); err != nil {
			t.Errorf("bad envelope: %v", err)
			return
		}
		data, _ := json.Marshal(fn(env))
		client.RPush(context.Background(), env.ReplyTo, data)
	}()
}

func TestRequest_Result(t *testing.T) {
	t.Parallel()

	rs := redistest.Start(t)
	p := New(rs.Client(t), Config{RequestQueue: "rq"})

	respond(t, rs.Client(t), "rq", func(env Envelope) any {
		assert.Equal(t, "web3mail_count", env.Request.Method)
		assert.JSONEq(t, `["a@example.com"]`, string(env.Request.Params))
		return map[string]any{"jsonrpc": "2.0", "id": env.Request.ID, "result": 3}
	})

	resp, err := p.Request(context.Background(), eip1193.RequestArguments{
		Method: "web3mail_count",
		Params: []any{"a@example.com"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(resp.Result))
}

func TestRequest_RpcError(t *testing.T) {
	t.Parallel()

	rs := redistest.Start(t)
	p := New(rs.Client(t), Config{})

	respond(t, rs.Client(t), DefaultRequestQueue, func(env Envelope) any {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      env.Request.ID,
			"error":   eip1193.NewRpcError(eip1193.StatusUnsupportedMethod, "eth_sign"),
		}
	})

	_, err := p.Request(context.Background(), eip1193.RequestArguments{Method: "eth_sign"})
	assert.True(t, eip1193.IsStatus(err, eip1193.StatusUnsupportedMethod), "got %v", err)
}

func TestRequest_MismatchedID(t *testing.T) {
	t.Parallel()

	rs := redistest.Start(t)
	p := New(rs.Client(t), Config{})

	respond(t, rs.Client(t), DefaultRequestQueue, func(env Envelope) any {
		return map[string]any{"jsonrpc": "2.0", "id": "someone-else", "result": true}
	})

	_, err := p.Request(context.Background(), eip1193.RequestArguments{Method: "eth_chainId"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestRequest_ContextDeadline(t *testing.T) {
	t.Parallel()

	rs := redistest.Start(t)
	p := New(rs.Client(t), Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := p.Request(ctx, eip1193.RequestArguments{Method: "eth_chainId"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	// The request stays queued for a node to pick up.
	assert.Len(t, rs.List(DefaultRequestQueue), 1)
}

func TestListen_EmitsEvents(t *testing.T) {
	t.Parallel()

	rs := redistest.Start(t)
	publisher := rs.Client(t)
	p := New(rs.Client(t), Config{EventsChannel: "ev"})

	respond(t, publisher, DefaultRequestQueue, func(env Envelope) any {
		return map[string]any{"jsonrpc": "2.0", "id": env.Request.ID, "result": "0x2a"}
	})

	connected := make(chan string, 1)
	messages := make(chan eip1193.ProviderMessage, 1)
	disconnected := make(chan error, 1)
	p.On(eip1193.EventConnect, eip1193.NewListener(func(args ...any) {
		connected <- args[0].(eip1193.ProviderConnectInfo).ChainID
	}))
	p.On(eip1193.EventMessage, eip1193.NewListener(func(args ...any) {
		messages <- args[0].(eip1193.ProviderMessage)
	}))
	p.On(eip1193.EventDisconnect, eip1193.NewListener(func(args ...any) {
		disconnected <- args[0].(error)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Listen(ctx) }()

	select {
	case chainID := <-connected:
		assert.Equal(t, "0x2a", chainID)
	case <-time.After(5 * time.Second):
		t.Fatal("no connect event")
	}

	publisher.Publish(context.Background(), "ev", `not json`)
	msg, err := eip1193.NewSubscriptionMessage("0x1", map[string]int{"index": 4})
	require.NoError(t, err)
	data, _ := json.Marshal(msg)
	require.NoError(t, publisher.Publish(context.Background(), "ev", data).Err())

	select {
	case got := <-messages:
		sub, ok, err := eip1193.AsEthSubscription(got)
		require.True(t, ok)
		require.NoError(t, err)
		assert.Equal(t, "0x1", sub.Subscription)
		assert.JSONEq(t, `{"index": 4}`, string(sub.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("no message event")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return")
	}
	assert.True(t, eip1193.IsStatus(<-disconnected, eip1193.StatusDisconnected))
}

func TestFetchChainID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result any
		want   string
	}{
		{name: "hex string", result: "0x5", want: "0x5"},
		{name: "number", result: 5, want: ""},
		{name: "object", result: map[string]string{"id": "0x5"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rs := redistest.Start(t)
			p := New(rs.Client(t), Config{RequestQueue: "rq"})
			respond(t, rs.Client(t), "rq", func(env Envelope) any {
				return map[string]any{"jsonrpc": "2.0", "id": env.Request.ID, "result": tt.result}
			})

			assert.Equal(t, tt.want, p.fetchChainID(context.Background()))
		})
	}
}
