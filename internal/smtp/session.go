package smtp

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/web3mail-go/internal/email"
	"github.com/shineum/web3mail-go/internal/node"
)

// Store receives accepted messages.
type Store interface {
	Append(from string, msg *email.MailMessage) (node.Delivery, error)
}

// backend creates a Session per connection.
type backend struct {
	auth  *Authenticator
	store Store
}

func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	slog.Debug("SMTP session started", "remote", remote, "hostname", c.Hostname())
	return &Session{auth: b.auth, store: b.store, remote: remote}, nil
}

// Session holds the state of one SMTP transaction sequence.
type Session struct {
	auth   *Authenticator
	store  Store
	remote string

	user     string
	mailFrom string
	rcptTo   []string
}

var _ gosmtp.AuthSession = (*Session)(nil)

// AuthMechanisms lists the mechanisms offered to the client.
func (s *Session) AuthMechanisms() []string {
	return s.auth.Mechanisms()
}

// Auth returns the SASL server for mech.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	return s.auth.Server(mech, func(username string) {
		s.user = username
		slog.Debug("SMTP client authenticated", "remote", s.remote, "user", username)
	})
}

// Mail starts a transaction. Authentication is required first when
// credentials are configured.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.auth.Enabled() && s.user == "" {
		return gosmtp.ErrAuthRequired
	}
	s.mailFrom = from
	s.rcptTo = nil
	return nil
}

// Rcpt adds a recipient to the transaction.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

// Data parses the message and appends it under the envelope sender.
func (s *Session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := email.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "remote", s.remote, "error", err)
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Failed to process message",
		}
	}
	// A null reverse-path (bounces) is filed under the header author.
	from := s.mailFrom
	if from == "" && msg.From != nil {
		from = msg.From.Address
	}
	msg.Envelope = &email.Envelope{
		From: from,
		To:   strings.Join(s.rcptTo, ", "),
	}

	delivery, err := s.store.Append(from, msg)
	if errors.Is(err, node.ErrNoSender) {
		slog.Warn("rejected message without sender", "remote", s.remote)
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
			Message:      "Message has no sender address",
		}
	}
	if err != nil {
		slog.Error("failed to store message", "from", s.mailFrom, "error", err)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, please try again later",
		}
	}

	slog.Info("message received over SMTP",
		"from", delivery.From,
		"recipients", len(s.rcptTo),
		"index", delivery.Index,
		"message_id", delivery.MessageID,
	)
	return nil
}

// Reset clears the current transaction, keeping authentication.
func (s *Session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

// Logout ends the session.
func (s *Session) Logout() error {
	slog.Debug("SMTP session ended", "remote", s.remote)
	return nil
}
