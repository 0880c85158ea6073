package stdout

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/shineum/web3mail-go/internal/email"
)

func TestDeliver_BasicMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewWithWriter(&buf)

	msg := &email.MailMessage{
		From:    &email.Address{Address: "sender@example.com"},
		To:      email.AddressList{{Address: "alice@example.com"}, {Name: "Bob", Address: "bob@example.com"}},
		Subject: "Monthly Report",
		Text:    email.TextContent("Please find the report attached."),
	}

	if err := r.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()

	if !strings.Contains(output, "From: sender@example.com") {
		t.Error("output missing From header")
	}
	if !strings.Contains(output, `To: alice@example.com, "Bob" <bob@example.com>`) {
		t.Errorf("output missing To header: %s", output)
	}
	if !strings.Contains(output, "Subject: Monthly Report") {
		t.Error("output missing Subject header")
	}
	if !strings.Contains(output, "Please find the report attached.") {
		t.Error("output missing body text")
	}
	if strings.Contains(output, "Cc:") {
		t.Error("output should not contain Cc line when there are none")
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not contain Attachments line when there are none")
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be framed by separator lines")
	}
}

func TestDeliver_HTMLAndReferenceFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewWithWriter(&buf)

	r.Deliver(context.Background(), &email.MailMessage{HTML: email.TextContent("<p>Hi</p>")})
	if !strings.Contains(buf.String(), "<p>Hi</p>") {
		t.Error("expected HTML body fallback")
	}

	buf.Reset()
	r.Deliver(context.Background(), &email.MailMessage{Text: email.PathContent("/srv/body.txt")})
	if !strings.Contains(buf.String(), "(from /srv/body.txt)") {
		t.Error("expected reference body description")
	}

	buf.Reset()
	r.Deliver(context.Background(), &email.MailMessage{Raw: email.TextContent("Subject: x\r\n\r\nbody")})
	if !strings.Contains(buf.String(), "Body: (raw message)") {
		t.Error("expected raw body marker")
	}
}

func TestDeliver_WithAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewWithWriter(&buf)

	msg := &email.MailMessage{
		Subject: "Files",
		Attachments: []email.Attachment{
			{Filename: email.Opt("report.pdf"), Content: strings.Repeat("x", 2048)},
			{Filename: email.Opt("logo.png"), Content: "aGk=", Encoding: "base64"},
			{Path: "/tmp/notes.txt"},
			{Filename: email.DisabledOpt(), Content: "y"},
		},
	}

	if err := r.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "Attachments: report.pdf (2.0 KB), logo.png (2 B), /tmp/notes.txt, unnamed (1 B)"
	if !strings.Contains(buf.String(), want) {
		t.Errorf("output missing %q:\n%s", want, buf.String())
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New().Name(); got != "stdout" {
		t.Errorf("Name(): got %q, want %q", got, "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
	}

	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
