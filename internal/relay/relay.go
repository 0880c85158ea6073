// Package relay defines the outbound delivery backends a node hands sent
// messages to.
package relay

import (
	"context"

	"github.com/shineum/web3mail-go/internal/email"
)

// Relay delivers a sent message beyond the node.
type Relay interface {
	// Deliver hands msg to the backend. It returns an error if the delivery
	// fails.
	Deliver(ctx context.Context, msg *email.MailMessage) error

	// Name returns the human-readable name of this relay.
	Name() string
}
