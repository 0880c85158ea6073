// Package httprpc implements an EIP-1193 provider that speaks JSON-RPC 2.0
// over HTTP POST.
package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/jsonrpc"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// defaultTimeout bounds a single HTTP exchange.
const defaultTimeout = 30 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 32 << 20

// Config holds the configuration for creating a Provider.
type Config struct {
	// URL is the JSON-RPC endpoint.
	URL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout applies to each HTTP exchange. Zero means 30 seconds.
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Provider is an eip1193.Provider backed by a JSON-RPC HTTP endpoint.
// Requests that fail with network errors, HTTP 429 or 5xx are retried with
// exponential backoff; JSON-RPC error objects are returned as
// *eip1193.ProviderRpcError without retrying.
type Provider struct {
	events eip1193.Emitter

	url        string
	token      string
	httpClient *http.Client
	retryDelay time.Duration

	mu      sync.Mutex
	chainID string
}

var _ eip1193.Provider = (*Provider)(nil)

// New creates a new Provider with the given configuration.
func New(cfg Config) *Provider {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Provider{
		url:        cfg.URL,
		token:      cfg.Token,
		httpClient: client,
		retryDelay: baseRetryDelay,
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

// Connect queries the endpoint's chain id and emits connect on success, or
// disconnect with a 4900 error on failure. A chain id different from the one
// seen on a previous connect also emits chainChanged.
func (p *Provider) Connect(ctx context.Context) error {
	resp, err := p.Request(ctx, eip1193.RequestArguments{Method: "eth_chainId"})
	if err == nil && !resp.HasResult() {
		err = errors.New("eth_chainId returned no result")
	}

	var chainID string
	if err == nil {
		if uErr := json.Unmarshal(resp.Result, &chainID); uErr != nil {
			err = fmt.Errorf("failed to decode chain id: %w", uErr)
		}
	}
	if err != nil {
		slog.Warn("JSON-RPC endpoint unreachable", "url", p.url, "error", err)
		p.events.Emit(eip1193.EventDisconnect, eip1193.NewRpcError(eip1193.StatusDisconnected, err.Error()))
		return err
	}

	p.mu.Lock()
	previous := p.chainID
	p.chainID = chainID
	p.mu.Unlock()

	slog.Info("connected to JSON-RPC endpoint", "url", p.url, "chain_id", chainID)
	p.events.Emit(eip1193.EventConnect, eip1193.ProviderConnectInfo{ChainID: chainID})
	if previous != "" && previous != chainID {
		p.events.Emit(eip1193.EventChainChanged, chainID)
	}
	return nil
}

// Request sends args to the endpoint and returns the response envelope.
func (p *Provider) Request(ctx context.Context, args eip1193.RequestArguments) (*eip1193.Response, error) {
	req, err := jsonrpc.NewRequest(args)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying JSON-RPC request",
				"method", args.Method,
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		resp, err := p.doRequest(ctx, body)
		if err == nil {
			if resp.Error != nil {
				return nil, resp.Error
			}
			if !jsonrpc.SameID(req.ID, resp.ID) {
				return nil, fmt.Errorf("%s: response id %v does not match request", args.Method, resp.ID)
			}
			return resp, nil
		}

		lastErr = err

		var rpcErr *sendError
		if !errors.As(err, &rpcErr) {
			return nil, err
		}

		switch {
		case rpcErr.permanent:
			return nil, rpcErr
		case rpcErr.statusCode == http.StatusTooManyRequests:
			delay := p.retryAfterDelay(rpcErr.retryAfter, attempt)
			slog.Info("rate limited by JSON-RPC endpoint",
				"retry_after", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case rpcErr.transient:
			delay := p.backoffDelay(attempt)
			slog.Info("transient JSON-RPC error, retrying",
				"status", rpcErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return nil, rpcErr
		}
	}

	return nil, fmt.Errorf("JSON-RPC request failed after %d retries: %w", maxRetries, lastErr)
}

// doRequest performs a single HTTP exchange.
func (p *Provider) doRequest(ctx context.Context, body []byte) (*eip1193.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &sendError{
			message:    fmt.Sprintf("failed to read response: %v", err),
			statusCode: resp.StatusCode,
			transient:  true,
		}
	}

	// Servers may carry a JSON-RPC error object on a non-2xx status.
	var envelope eip1193.Response
	if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil && envelope.Error != nil {
		return &envelope, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyError(resp.StatusCode, string(data), resp.Header.Get("Retry-After"))
	}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &sendError{
			message:    fmt.Sprintf("invalid JSON-RPC response: %v", err),
			statusCode: resp.StatusCode,
			permanent:  true,
		}
	}
	return &envelope, nil
}

// sendError represents an HTTP level failure with classification for retry
// logic.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("JSON-RPC endpoint error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode == http.StatusRequestTimeout:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses the Retry-After header value and returns the
// appropriate delay, falling back to exponential backoff.
func (p *Provider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter == "" {
		return p.backoffDelay(attempt)
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return p.backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt
// number: 1s, 2s, 4s with the default base.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	delay := p.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
