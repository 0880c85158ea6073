// Package ses implements a Relay that sends messages via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/web3mail-go/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Relay.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender overrides the envelope sender when set.
	Sender string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Relay sends messages via the AWS SES v2 API.
type Relay struct {
	sender     string
	client     SendEmailAPI
	renderer   *email.Renderer
	retryDelay time.Duration
}

// New creates a new Relay with the given configuration.
func New(ctx context.Context, cfg Config) (*Relay, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Relay with a custom client.
func NewWithClient(sender string, client SendEmailAPI) *Relay {
	return &Relay{
		sender:     sender,
		client:     client,
		renderer:   &email.Renderer{},
		retryDelay: baseRetryDelay,
	}
}

// Deliver sends msg via SES. Plain text/HTML messages use the SES simple
// format; everything else is rendered to raw MIME first.
func (r *Relay) Deliver(ctx context.Context, msg *email.MailMessage) error {
	input, err := r.buildInput(ctx, msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, r.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := r.client.SendEmail(ctx, input)
		if err == nil {
			slog.Info("message relayed via SES",
				"message_id", msg.MessageID,
				"ses_message_id", aws.ToString(out.MessageId),
			)
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "ses"
}

func (r *Relay) buildInput(ctx context.Context, msg *email.MailMessage) (*sesv2.SendEmailInput, error) {
	from, to := msg.SMTPEnvelope()
	if r.sender != "" {
		from = r.sender
	}
	if from == "" {
		return nil, fmt.Errorf("message has no sender")
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}

	if isSimple(msg) {
		return buildSimpleInput(from, msg), nil
	}

	raw, err := r.renderer.Render(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: to},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}, nil
}

// isSimple reports whether msg fits the SES simple format: inline text
// and/or HTML bodies and plain addressing only.
func isSimple(msg *email.MailMessage) bool {
	if msg.Raw != nil || msg.Envelope != nil || msg.Headers != nil || len(msg.List) > 0 {
		return false
	}
	if len(msg.Attachments) > 0 || len(msg.Alternatives) > 0 {
		return false
	}
	if msg.AMP != nil || msg.ICalEvent != nil || msg.WatchHTML != nil {
		return false
	}
	if msg.MessageID != "" || msg.InReplyTo != nil || len(msg.References) > 0 || msg.Priority != "" {
		return false
	}
	for _, c := range []*email.Content{msg.Text, msg.HTML} {
		if c != nil && c.IsReference() {
			return false
		}
	}
	return msg.Text != nil || msg.HTML != nil
}

// buildSimpleInput creates a SES SendEmailInput for plain messages.
func buildSimpleInput(sender string, msg *email.MailMessage) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HTML != nil && msg.HTML.Inline != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTML.Inline),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.Text != nil && msg.Text.Inline != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.Text.Inline),
			Charset: aws.String("UTF-8"),
		}
	}

	dest := &types.Destination{
		ToAddresses:  msg.To.Addresses(),
		CcAddresses:  msg.Cc.Addresses(),
		BccAddresses: msg.Bcc.Addresses(),
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      dest,
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
	if msg.ReplyTo != nil {
		input.ReplyToAddresses = []string{msg.ReplyTo.Address}
	}
	return input
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
