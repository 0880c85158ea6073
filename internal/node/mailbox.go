// Package node implements a reference web3mail node: an in-memory mailbox
// and the JSON-RPC surface the web3mail client talks to.
package node

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shineum/web3mail-go/internal/email"
)

var (
	// ErrNoSender is returned when a message has no sender address.
	ErrNoSender = errors.New("message has no sender")

	// ErrIndexOutOfRange is returned by Get for an index past the last
	// message.
	ErrIndexOutOfRange = errors.New("message index out of range")
)

// Delivery describes a message appended to the mailbox.
type Delivery struct {
	From      string `json:"from"`
	Index     uint64 `json:"index"`
	MessageID string `json:"messageId"`

	// Duplicate is set when the message was already stored under the same
	// Message-ID and nothing was appended.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Mailbox stores messages per sender in arrival order.
// It is safe for concurrent use.
type Mailbox struct {
	owner  string
	domain string
	now    func() time.Time

	mu       sync.RWMutex
	messages map[string][]*email.MailMessage
	ids      map[string]map[string]uint64
	seq      uint64
	watchers map[uint64]func(Delivery)
	nextID   uint64
}

// NewMailbox returns an empty mailbox bound to owner.
func NewMailbox(owner string) *Mailbox {
	domain := "web3mail.local"
	if i := strings.LastIndex(owner, "@"); i >= 0 && i < len(owner)-1 {
		domain = owner[i+1:]
	}
	return &Mailbox{
		owner:    owner,
		domain:   domain,
		now:      time.Now,
		messages: make(map[string][]*email.MailMessage),
		ids:      make(map[string]map[string]uint64),
		watchers: make(map[uint64]func(Delivery)),
	}
}

// Owner returns the bound address.
func (m *Mailbox) Owner() string {
	return m.owner
}

// Append stores msg under from, or under the message's envelope sender when
// from is empty. A missing Message-ID is derived from the message UID and a
// missing Date is set to now. A message whose Message-ID is already stored
// for the same sender is not appended again; the earlier Delivery is
// returned with Duplicate set.
func (m *Mailbox) Append(from string, msg *email.MailMessage) (Delivery, error) {
	if from == "" {
		from, _ = msg.SMTPEnvelope()
	}
	if from == "" {
		return Delivery{}, ErrNoSender
	}

	if msg.MessageID == "" {
		uid, err := msg.UID()
		if err != nil {
			return Delivery{}, err
		}
		msg.MessageID = fmt.Sprintf("<%s@%s>", uid, m.domain)
	}

	key := mailboxKey(from)

	m.mu.Lock()
	if index, ok := m.ids[key][msg.MessageID]; ok {
		m.mu.Unlock()
		return Delivery{From: from, Index: index, MessageID: msg.MessageID, Duplicate: true}, nil
	}
	if msg.Date == nil {
		msg.Date = email.At(m.now())
	}
	m.messages[key] = append(m.messages[key], msg)
	d := Delivery{From: from, Index: uint64(len(m.messages[key]) - 1), MessageID: msg.MessageID}
	if m.ids[key] == nil {
		m.ids[key] = make(map[string]uint64)
	}
	m.ids[key][msg.MessageID] = d.Index
	m.seq++
	watchers := make([]func(Delivery), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(d)
	}
	return d, nil
}

// Count returns the number of messages stored for from.
func (m *Mailbox) Count(from string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.messages[mailboxKey(from)]))
}

// Get returns the message from sent at index.
func (m *Mailbox) Get(from string, index uint64) (*email.MailMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.messages[mailboxKey(from)]
	if index >= uint64(len(list)) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(list))
	}
	return list[index], nil
}

// Sequence returns the total number of messages appended so far.
func (m *Mailbox) Sequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// Watch calls fn after every append until the returned cancel func is
// called. fn runs on the appending goroutine.
func (m *Mailbox) Watch(fn func(Delivery)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// mailboxKey normalizes an address for lookup.
func mailboxKey(from string) string {
	return strings.ToLower(email.ParseAddress(from).Address)
}
