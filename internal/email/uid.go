package email

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// UID returns the Blake2b-192 hash of the message in JSON form.
// Identical messages share a UID.
func (m *MailMessage) UID() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	hash, err := blake2b.New(24, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create Blake2b hash: %w", err)
	}
	if _, err := hash.Write(data); err != nil {
		return "", fmt.Errorf("failed to write to hash: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// SMTPEnvelope returns the envelope sender and recipients: the Envelope
// override when present, otherwise the From and To/Cc/Bcc headers.
func (m *MailMessage) SMTPEnvelope() (from string, to []string) {
	if m.Envelope != nil {
		from = firstOf(ParseAddressList(m.Envelope.From))
		for _, list := range []string{m.Envelope.To, m.Envelope.Cc, m.Envelope.Bcc} {
			to = append(to, ParseAddressList(list).Addresses()...)
		}
		if from != "" || len(to) > 0 {
			return from, to
		}
	}

	if m.From != nil {
		from = m.From.Address
	}
	to = append(to, m.To.Addresses()...)
	to = append(to, m.Cc.Addresses()...)
	to = append(to, m.Bcc.Addresses()...)
	return from, to
}

func firstOf(list AddressList) string {
	if len(list) == 0 {
		return ""
	}
	return list[0].Address
}
