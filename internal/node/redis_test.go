package node

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/email"
	"github.com/shineum/web3mail-go/internal/provider/redisrpc"
	"github.com/shineum/web3mail-go/internal/redistest"
	"github.com/shineum/web3mail-go/internal/web3mail"
)

func TestRedisServer_EndToEnd(t *testing.T) {
	t.Parallel()

	rs := redistest.Start(t)
	d := NewDispatcher(DispatcherConfig{Mailbox: NewMailbox("me@node.example"), ChainID: "0x7"})
	server := NewRedisServer(d, rs.Client(t), RedisServerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run(ctx) }()

	p := redisrpc.New(rs.Client(t), redisrpc.Config{})
	connected := make(chan eip1193.ProviderConnectInfo, 1)
	p.On(eip1193.EventConnect, eip1193.NewListener(func(args ...any) {
		connected <- args[0].(eip1193.ProviderConnectInfo)
	}))
	listenDone := make(chan error, 1)
	go func() { listenDone <- p.Listen(ctx) }()

	select {
	case info := <-connected:
		assert.Equal(t, "0x7", info.ChainID)
	case <-time.After(5 * time.Second):
		t.Fatal("provider never connected")
	}

	c := web3mail.New(p)
	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()

	notes := make(chan json.RawMessage, 4)
	sub, err := c.Web3().Subscribe(reqCtx, notes, SubscriptionMessages)
	require.NoError(t, err)

	require.NoError(t, c.Send(reqCtx, &email.MailMessage{
		From:    &email.Address{Address: "alice@example.com"},
		Subject: "over redis",
	}))

	n, err := c.Count(reqCtx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	msg, err := c.Fetch(reqCtx, "alice@example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, "over redis", msg.Subject)

	select {
	case raw := <-notes:
		var delivery Delivery
		require.NoError(t, json.Unmarshal(raw, &delivery))
		assert.Equal(t, "alice@example.com", delivery.From)
		assert.Equal(t, msg.MessageID, delivery.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}
	require.NoError(t, sub.Unsubscribe(reqCtx))

	_, err = c.Fetch(reqCtx, "alice@example.com", 3)
	assert.Error(t, err)

	assert.Empty(t, rs.List(redisrpc.DefaultRequestQueue))

	cancel()
	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	select {
	case err := <-listenDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestRedisServer_MalformedAndReplyExpiry(t *testing.T) {
	t.Parallel()

	rs := redistest.Start(t)
	client := rs.Client(t)
	d := NewDispatcher(DispatcherConfig{Mailbox: NewMailbox("me@node.example")})
	server := NewRedisServer(d, client, RedisServerConfig{RequestQueue: "q"})

	ctx := context.Background()
	server.serve(ctx, `{not json`)
	server.serve(ctx, `{"replyTo": "", "request": {"jsonrpc": "2.0", "id": 1, "method": "eth_chainId"}}`)

	server.serve(ctx, `{"replyTo": "reply:1", "request": {"jsonrpc": "2.0", "id": 1, "method": "eth_chainId"}}`)
	replies := rs.List("reply:1")
	require.Len(t, replies, 1)
	assert.True(t, strings.Contains(replies[0], `"result":"0x1"`), replies[0])

	ttl := rs.TTL("reply:1")
	assert.Greater(t, ttl, 50*time.Second)
	assert.LessOrEqual(t, ttl, replyTTL)
}
