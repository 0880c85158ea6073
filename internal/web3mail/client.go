// Package web3mail is the mail client for web3mail nodes. It forwards four
// mail operations (address lookup, send, count, fetch) to an EIP-1193 provider
// and unwraps the result of each call.
package web3mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/email"
	"github.com/shineum/web3mail-go/internal/web3"
)

// RPC method names served by a web3mail node.
const (
	MethodAddresses   = "web3mail_addresses"
	MethodSendMessage = "web3mail_send_message"
	MethodCount       = "web3mail_count"
	MethodFetch       = "web3mail_fetch"
)

// ErrMissingResult is returned when a call that needs a result gets a response
// without one.
var ErrMissingResult = errors.New("response is missing result")

// Client issues web3mail calls through a provider.
// It is safe for concurrent use.
type Client struct {
	provider eip1193.Provider

	web3Once sync.Once
	web3     *web3.Provider
}

// New returns a Client bound to provider.
func New(provider eip1193.Provider) *Client {
	return &Client{provider: provider}
}

// Provider returns the provider the client was created with.
func (c *Client) Provider() eip1193.Provider {
	return c.provider
}

// Web3 returns the typed adapter over the client's provider. It is built on
// first use and the same instance is returned afterwards.
func (c *Client) Web3() *web3.Provider {
	c.web3Once.Do(func() {
		c.web3 = web3.NewProvider(c.provider)
	})
	return c.web3
}

// On registers listener for event on the provider.
func (c *Client) On(event eip1193.EventType, listener *eip1193.Listener) *Client {
	c.provider.On(event, listener)
	return c
}

// RemoveListener removes listener for event from the provider.
func (c *Client) RemoveListener(event eip1193.EventType, listener *eip1193.Listener) *Client {
	c.provider.RemoveListener(event, listener)
	return c
}

// Address returns the mail address bound to the provider's account.
func (c *Client) Address(ctx context.Context) (string, error) {
	var address string
	if err := c.call(ctx, &address, MethodAddresses, nil); err != nil {
		return "", err
	}
	return address, nil
}

// Send submits msg. It returns once the provider acknowledges the request;
// the response body is not inspected.
func (c *Client) Send(ctx context.Context, msg *email.MailMessage) error {
	_, err := c.provider.Request(ctx, eip1193.RequestArguments{
		Method: MethodSendMessage,
		Params: msg,
	})
	return err
}

// Count returns how many messages from has sent to the bound address.
func (c *Client) Count(ctx context.Context, from string) (uint64, error) {
	var n uint64
	if err := c.call(ctx, &n, MethodCount, []any{from}); err != nil {
		return 0, err
	}
	return n, nil
}

// Fetch returns the message from sent at the zero-based index.
func (c *Client) Fetch(ctx context.Context, from string, index uint64) (*email.MailMessage, error) {
	var msg email.MailMessage
	if err := c.call(ctx, &msg, MethodFetch, []any{from, index}); err != nil {
		return nil, err
	}
	return &msg, nil
}

// call issues a single request and decodes its result into out. Provider
// errors are returned as is.
func (c *Client) call(ctx context.Context, out any, method string, params any) error {
	resp, err := c.provider.Request(ctx, eip1193.RequestArguments{Method: method, Params: params})
	if err != nil {
		return err
	}
	if !resp.HasResult() {
		return fmt.Errorf("%s: %w", method, ErrMissingResult)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}
