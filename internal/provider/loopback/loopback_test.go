package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/email"
	"github.com/shineum/web3mail-go/internal/jsonrpc"
	"github.com/shineum/web3mail-go/internal/node"
	"github.com/shineum/web3mail-go/internal/web3mail"
)

func newLoopback(t *testing.T) (*Provider, *node.Dispatcher) {
	t.Helper()
	d := node.NewDispatcher(node.DispatcherConfig{
		Mailbox: node.NewMailbox("me@web3mail.example"),
		ChainID: "0x2a",
	})
	p := New(d)
	t.Cleanup(p.Close)
	return p, d
}

func TestLoopback_ClientRoundTrip(t *testing.T) {
	t.Parallel()

	p, _ := newLoopback(t)
	c := web3mail.New(p)
	ctx := context.Background()

	addr, err := c.Address(ctx)
	require.NoError(t, err)
	assert.Equal(t, "me@web3mail.example", addr)

	msg := &email.MailMessage{
		From:    &email.Address{Name: "Alice", Address: "alice@example.com"},
		To:      email.AddressList{{Address: "me@web3mail.example"}},
		Subject: "hello",
		Text:    email.TextContent("first"),
	}
	require.NoError(t, c.Send(ctx, msg))
	msg.Text = email.TextContent("second")
	require.NoError(t, c.Send(ctx, msg))

	n, err := c.Count(ctx, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	got, err := c.Fetch(ctx, "alice@example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Text.Inline)
	assert.Equal(t, "hello", got.Subject)
	assert.NotEmpty(t, got.MessageID)
	assert.NotNil(t, got.Date)
}

func TestLoopback_Errors(t *testing.T) {
	t.Parallel()

	p, _ := newLoopback(t)
	ctx := context.Background()

	_, err := p.Request(ctx, eip1193.RequestArguments{Method: "eth_sendTransaction"})
	assert.True(t, eip1193.IsStatus(err, eip1193.StatusUnsupportedMethod), "got %v", err)

	_, err = web3mail.New(p).Fetch(ctx, "nobody@example.com", 0)
	var rpcErr *eip1193.ProviderRpcError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Request(cancelled, eip1193.RequestArguments{Method: "eth_chainId"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoopback_SubscriptionNotifications(t *testing.T) {
	t.Parallel()

	p, d := newLoopback(t)
	c := web3mail.New(p)
	ctx := context.Background()

	ch := make(chan json.RawMessage, 4)
	sub, err := c.Web3().Subscribe(ctx, ch, node.SubscriptionMessages)
	require.NoError(t, err)

	_, err = d.Mailbox().Append("bob@example.com", &email.MailMessage{Subject: "ping"})
	require.NoError(t, err)

	select {
	case raw := <-ch:
		var delivery node.Delivery
		require.NoError(t, json.Unmarshal(raw, &delivery))
		assert.Equal(t, "bob@example.com", delivery.From)
		assert.Equal(t, uint64(0), delivery.Index)
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}

	require.NoError(t, sub.Unsubscribe(ctx))
	_, err = d.Mailbox().Append("bob@example.com", &email.MailMessage{Subject: "pong"})
	require.NoError(t, err)
	assert.Empty(t, ch)
}

func TestLoopback_ConnectAndClose(t *testing.T) {
	t.Parallel()

	d := node.NewDispatcher(node.DispatcherConfig{Mailbox: node.NewMailbox("me@example.com")})
	p := New(d)

	var events []eip1193.EventType
	for _, ev := range []eip1193.EventType{eip1193.EventConnect, eip1193.EventDisconnect} {
		ev := ev
		p.On(ev, eip1193.NewListener(func(args ...any) {
			events = append(events, ev)
			if ev == eip1193.EventConnect {
				assert.Equal(t, eip1193.ProviderConnectInfo{ChainID: node.DefaultChainID}, args[0])
			}
		}))
	}

	require.NoError(t, p.Connect(context.Background()))
	p.Close()
	assert.Equal(t, []eip1193.EventType{eip1193.EventConnect, eip1193.EventDisconnect}, events)
}
