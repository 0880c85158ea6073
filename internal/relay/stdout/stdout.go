// Package stdout implements a Relay that prints messages to standard output.
package stdout

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/web3mail-go/internal/email"
)

const separator = "========================================\n"

// Relay prints mail messages in a human-readable format.
type Relay struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Relay that writes to os.Stdout.
func New() *Relay {
	return &Relay{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Relay that writes to the given writer.
func NewWithWriter(w io.Writer) *Relay {
	return &Relay{writer: w}
}

// Deliver prints the message summary. Write failures are ignored.
func (r *Relay) Deliver(_ context.Context, msg *email.MailMessage) error {
	var b strings.Builder

	b.WriteString(separator)
	if msg.From != nil {
		fmt.Fprintf(&b, "From: %s\n", msg.From)
	}
	fmt.Fprintf(&b, "To: %s\n", joinAddresses(msg.To))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", joinAddresses(msg.Cc))
	}
	if msg.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", msg.MessageID)
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	switch {
	case msg.Raw != nil:
		b.WriteString("Body: (raw message)\n")
	default:
		b.WriteString("Body:\n")
		b.WriteString(bodyText(msg) + "\n")
	}

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, describeAttachment(att))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.writer, b.String())
	return nil
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "stdout"
}

func joinAddresses(list email.AddressList) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// bodyText prefers the plain text body and falls back to HTML.
func bodyText(msg *email.MailMessage) string {
	for _, c := range []*email.Content{msg.Text, msg.HTML} {
		if c == nil {
			continue
		}
		if c.IsReference() {
			return "(from " + c.Path + ")"
		}
		if c.Inline != "" {
			return c.Inline
		}
	}
	return ""
}

func describeAttachment(att email.Attachment) string {
	name := "unnamed"
	if att.Filename != nil && !att.Filename.Disabled && att.Filename.Value != "" {
		name = att.Filename.Value
	} else if att.Path != "" {
		name = att.Path
	}

	if att.Content == "" {
		return name
	}
	size := len(att.Content)
	if att.Encoding == "base64" {
		if decoded, err := base64.StdEncoding.DecodeString(att.Content); err == nil {
			size = len(decoded)
		}
	}
	return fmt.Sprintf("%s (%s)", name, formatSize(size))
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
