package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/email"
	"github.com/shineum/web3mail-go/internal/provider/httprpc"
	"github.com/shineum/web3mail-go/internal/web3mail"
)

func newHTTPNode(t *testing.T, token string) (*httptest.Server, *Dispatcher) {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{Mailbox: NewMailbox("me@node.example"), ChainID: "0x5"})
	srv := httptest.NewServer(NewHTTPHandler(d, token))
	t.Cleanup(srv.Close)
	return srv, d
}

func TestHTTPHandler_ClientRoundTrip(t *testing.T) {
	t.Parallel()

	srv, _ := newHTTPNode(t, "s3cret")
	p := httprpc.New(httprpc.Config{URL: srv.URL, Token: "s3cret"})
	require.NoError(t, p.Connect(context.Background()))

	c := web3mail.New(p)
	ctx := context.Background()

	addr, err := c.Address(ctx)
	require.NoError(t, err)
	assert.Equal(t, "me@node.example", addr)

	require.NoError(t, c.Send(ctx, &email.MailMessage{
		To:      email.AddressList{{Address: "bob@example.com"}},
		Subject: "over http",
		Text:    email.TextContent("hello"),
	}))

	n, err := c.Count(ctx, "me@node.example")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	msg, err := c.Fetch(ctx, "me@node.example", 0)
	require.NoError(t, err)
	assert.Equal(t, "over http", msg.Subject)
	assert.Equal(t, "hello", msg.Text.Inline)
	assert.Equal(t, "bob@example.com", msg.To[0].Address)
}

func TestHTTPHandler_Unauthorized(t *testing.T) {
	t.Parallel()

	srv, _ := newHTTPNode(t, "s3cret")
	p := httprpc.New(httprpc.Config{URL: srv.URL, Token: "wrong"})

	_, err := web3mail.New(p).Address(context.Background())
	assert.True(t, eip1193.IsStatus(err, eip1193.StatusUnauthorized), "got %v", err)
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPHandler_Batch(t *testing.T) {
	t.Parallel()

	srv, _ := newHTTPNode(t, "")
	resp := post(t, srv.URL, `[
		{"jsonrpc": "2.0", "id": 1, "method": "eth_chainId"},
		{"jsonrpc": "2.0", "method": "eth_chainId"},
		{"jsonrpc": "2.0", "id": "b", "method": "nope"}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []eip1193.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.Equal(t, float64(1), out[0].ID)
	assert.JSONEq(t, `"0x5"`, string(out[0].Result))
	assert.Equal(t, "b", out[1].ID)
	require.NotNil(t, out[1].Error)
	assert.Equal(t, eip1193.StatusUnsupportedMethod.Code, out[1].Error.Code)
}

func TestHTTPHandler_Protocol(t *testing.T) {
	t.Parallel()

	srv, _ := newHTTPNode(t, "")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = post(t, srv.URL, `{"jsonrpc": "2.0", "method": "eth_chainId"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = post(t, srv.URL, `{not json`)
	var parsed eip1193.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, -32700, parsed.Error.Code)
	assert.Nil(t, parsed.ID)

	resp = post(t, srv.URL, `[]`)
	parsed = eip1193.Response{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, -32600, parsed.Error.Code)
}

func TestHTTPHandler_RetriedSendStoredOnce(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(DispatcherConfig{Mailbox: NewMailbox("me@node.example")})
	handler := NewHTTPHandler(d, "")

	// The first reply is lost after the node has processed the request.
	var failed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failed.CompareAndSwap(false, true) {
			handler.ServeHTTP(httptest.NewRecorder(), r)
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c := web3mail.New(httprpc.New(httprpc.Config{URL: srv.URL}))
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, &email.MailMessage{
		From:    &email.Address{Address: "a@b.c"},
		Subject: "retried",
		Text:    email.TextContent("once"),
	}))
	assert.True(t, failed.Load())

	n, err := c.Count(ctx, "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}
