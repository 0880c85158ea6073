// Package graph implements a Relay that sends messages via the Microsoft
// Graph API using OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/web3mail-go/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Relay.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox the messages are sent as.
	Sender string
}

// Relay sends rendered MIME messages through the Graph sendMail endpoint.
type Relay struct {
	sender     string
	sendURL    string
	httpClient *http.Client
	token      *tokenCache
	renderer   *email.Renderer
	retryDelay time.Duration
}

// New creates a Relay for the given tenant and application credentials.
func New(cfg Config) *Relay {
	return newWithURLs(cfg,
		"https://graph.microsoft.com/v1.0",
		fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID)),
		&http.Client{Timeout: 30 * time.Second},
	)
}

func newWithURLs(cfg Config, graphURL, tokenURL string, client *http.Client) *Relay {
	return &Relay{
		sender:     cfg.Sender,
		sendURL:    fmt.Sprintf("%s/users/%s/sendMail", graphURL, url.PathEscape(cfg.Sender)),
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		renderer:   &email.Renderer{},
		retryDelay: baseRetryDelay,
	}
}

// Deliver renders msg to MIME and posts it to sendMail. Transient failures
// are retried with exponential backoff, HTTP 429 honours Retry-After and a
// 401 refreshes the token once.
func (r *Relay) Deliver(ctx context.Context, msg *email.MailMessage) error {
	_, to := msg.SMTPEnvelope()
	if len(to) == 0 {
		return errors.New("message has no recipients")
	}

	raw, err := r.renderer.Render(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to build raw message: %w", err)
	}
	body := []byte(base64.StdEncoding.EncodeToString(raw))

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := r.doSendRequest(ctx, body)
		if err == nil {
			slog.Info("message relayed via Graph",
				"message_id", msg.MessageID,
				"sender", r.sender,
			)
			return nil
		}
		lastErr = err

		var sendErr *sendError
		if !errors.As(err, &sendErr) {
			return err
		}

		switch {
		case sendErr.permanent:
			return sendErr
		case sendErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, err := r.token.ForceRefresh(ctx); err != nil {
				return fmt.Errorf("token refresh failed: %w", err)
			}
			tokenRefreshed = true
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay := r.retryAfterDelay(sendErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API", "retry_after", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case sendErr.transient:
			delay := r.backoffDelay(attempt)
			slog.Info("transient Graph API error, retrying",
				"status", sendErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return sendErr
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "msgraph"
}

// doSendRequest performs a single sendMail request with a base64 MIME body.
func (r *Relay) doSendRequest(ctx context.Context, body []byte) error {
	token, err := r.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	var errResp graphErrorResponse
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
		return classifyError(resp.StatusCode, errResp.Error.Message, resp.Header.Get("Retry-After"))
	}
	return classifyError(resp.StatusCode, string(respBody), resp.Header.Get("Retry-After"))
}

// graphErrorResponse is the error body returned by the Graph API.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// sendError is a classified Graph API failure.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

// retryAfterDelay parses a Retry-After value in seconds, falling back to
// exponential backoff.
func (r *Relay) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return r.backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (r *Relay) backoffDelay(attempt int) time.Duration {
	delay := r.retryDelay
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
