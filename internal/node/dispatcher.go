package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/email"
	"github.com/shineum/web3mail-go/internal/jsonrpc"
	"github.com/shineum/web3mail-go/internal/relay"
)

// SubscriptionMessages is the eth_subscribe kind that streams mailbox
// deliveries.
const SubscriptionMessages = "web3mail_messages"

// DefaultChainID is reported by eth_chainId when no chain id is configured.
const DefaultChainID = "0x1"

// ErrUnknownSubscription is returned by eth_unsubscribe for an unknown id.
var ErrUnknownSubscription = errors.New("unknown subscription")

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Mailbox *Mailbox

	// ChainID is returned by eth_chainId. Empty means DefaultChainID.
	ChainID string

	// Accounts is returned by eth_accounts.
	Accounts []string

	// Relay, when set, receives every sent message.
	Relay relay.Relay
}

// Dispatcher executes JSON-RPC methods against a mailbox.
// Subscription notifications are emitted as message events to listeners
// registered with OnMessage.
type Dispatcher struct {
	mailbox  *Mailbox
	chainID  string
	accounts []string
	relay    relay.Relay

	events eip1193.Emitter

	mu   sync.Mutex
	subs map[string]func()
}

// NewDispatcher returns a Dispatcher for cfg.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	chainID := cfg.ChainID
	if chainID == "" {
		chainID = DefaultChainID
	}
	return &Dispatcher{
		mailbox:  cfg.Mailbox,
		chainID:  chainID,
		accounts: cfg.Accounts,
		relay:    cfg.Relay,
		subs:     make(map[string]func()),
	}
}

// Mailbox returns the dispatcher's mailbox.
func (d *Dispatcher) Mailbox() *Mailbox {
	return d.mailbox
}

// OnMessage registers l for subscription notifications.
func (d *Dispatcher) OnMessage(l *eip1193.Listener) {
	d.events.AddListener(eip1193.EventMessage, l)
}

// RemoveMessageListener removes l.
func (d *Dispatcher) RemoveMessageListener(l *eip1193.Listener) {
	d.events.DeleteListener(eip1193.EventMessage, l)
}

// Serve handles req and wraps the outcome in a response envelope.
func (d *Dispatcher) Serve(ctx context.Context, req *jsonrpc.Request) *eip1193.Response {
	if err := req.Validate(); err != nil {
		return jsonrpc.NewResponse(req.ID, nil, jsonrpc.InvalidRequest("%v", err))
	}
	result, err := d.Handle(ctx, req.Method, req.Params)
	if err != nil {
		slog.Debug("JSON-RPC call failed", "method", req.Method, "error", err)
	}
	return jsonrpc.NewResponse(req.ID, result, err)
}

// Handle executes method with params. Unknown methods fail with 4200,
// malformed params with -32602.
func (d *Dispatcher) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "web3mail_addresses":
		return d.mailbox.Owner(), nil
	case "web3mail_send_message":
		return d.sendMessage(ctx, params)
	case "web3mail_count":
		return d.count(params)
	case "web3mail_fetch":
		return d.fetch(params)
	case "eth_chainId":
		return d.chainID, nil
	case "eth_accounts":
		if d.accounts == nil {
			return []string{}, nil
		}
		return d.accounts, nil
	case "eth_blockNumber":
		return "0x" + strconv.FormatUint(d.mailbox.Sequence(), 16), nil
	case "eth_subscribe":
		return d.subscribe(params)
	case "eth_unsubscribe":
		return d.unsubscribe(params)
	default:
		return nil, eip1193.NewRpcError(eip1193.StatusUnsupportedMethod, method)
	}
}

func (d *Dispatcher) sendMessage(ctx context.Context, params json.RawMessage) (any, error) {
	raw := params
	if list, err := jsonrpc.SplitParams(params); err == nil {
		if len(list) != 1 {
			return nil, jsonrpc.InvalidParams("expected one message, got %d", len(list))
		}
		raw = list[0]
	}

	var msg email.MailMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, jsonrpc.InvalidParams("malformed message: %v", err)
	}
	if refs := msg.ExternalReferences(); len(refs) > 0 {
		return nil, jsonrpc.InvalidParams("content must be inline or a data URI, got reference %q", refs[0])
	}
	if msg.From == nil {
		from := email.ParseAddress(d.mailbox.Owner())
		msg.From = &from
	}

	delivery, err := d.mailbox.Append(msg.From.Address, &msg)
	if err != nil {
		return nil, jsonrpc.InvalidParams("%v", err)
	}
	if delivery.Duplicate {
		slog.Info("duplicate message ignored",
			"from", delivery.From,
			"index", delivery.Index,
			"message_id", delivery.MessageID,
		)
		return delivery.MessageID, nil
	}
	slog.Info("message accepted",
		"from", delivery.From,
		"index", delivery.Index,
		"message_id", delivery.MessageID,
	)

	if d.relay != nil {
		if err := d.relay.Deliver(ctx, &msg); err != nil {
			slog.Error("relay failed", "relay", d.relay.Name(), "message_id", delivery.MessageID, "error", err)
			return nil, &eip1193.ProviderRpcError{
				Code:    jsonrpc.CodeInternalError,
				Message: fmt.Sprintf("relay %s failed: %v", d.relay.Name(), err),
				Data:    delivery.MessageID,
			}
		}
	}
	return delivery.MessageID, nil
}

func (d *Dispatcher) count(params json.RawMessage) (any, error) {
	list, err := jsonrpc.SplitParams(params)
	if err != nil {
		return nil, err
	}
	if len(list) != 1 {
		return nil, jsonrpc.InvalidParams("expected [from], got %d params", len(list))
	}
	from, err := decodeString(list[0], "from")
	if err != nil {
		return nil, err
	}
	return d.mailbox.Count(from), nil
}

func (d *Dispatcher) fetch(params json.RawMessage) (any, error) {
	list, err := jsonrpc.SplitParams(params)
	if err != nil {
		return nil, err
	}
	if len(list) != 2 {
		return nil, jsonrpc.InvalidParams("expected [from, index], got %d params", len(list))
	}
	from, err := decodeString(list[0], "from")
	if err != nil {
		return nil, err
	}
	index, err := decodeIndex(list[1])
	if err != nil {
		return nil, err
	}

	msg, err := d.mailbox.Get(from, index)
	if err != nil {
		return nil, jsonrpc.InvalidParams("%v", err)
	}
	return msg, nil
}

func (d *Dispatcher) subscribe(params json.RawMessage) (any, error) {
	list, err := jsonrpc.SplitParams(params)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, jsonrpc.InvalidParams("missing subscription kind")
	}
	kind, err := decodeString(list[0], "kind")
	if err != nil {
		return nil, err
	}
	if kind != SubscriptionMessages {
		return nil, jsonrpc.InvalidParams("unsupported subscription %q", kind)
	}

	var filter struct {
		From string `json:"from"`
	}
	if len(list) > 1 {
		if err := json.Unmarshal(list[1], &filter); err != nil {
			return nil, jsonrpc.InvalidParams("malformed filter: %v", err)
		}
	}
	filterKey := ""
	if filter.From != "" {
		filterKey = mailboxKey(filter.From)
	}

	u := uuid.New()
	id := "0x" + hex.EncodeToString(u[:])

	cancel := d.mailbox.Watch(func(delivery Delivery) {
		if filterKey != "" && mailboxKey(delivery.From) != filterKey {
			return
		}
		msg, err := eip1193.NewSubscriptionMessage(id, delivery)
		if err != nil {
			slog.Warn("failed to build notification", "subscription", id, "error", err)
			return
		}
		d.events.Emit(eip1193.EventMessage, msg)
	})

	d.mu.Lock()
	d.subs[id] = cancel
	d.mu.Unlock()

	slog.Debug("subscription created", "subscription", id, "from", filter.From)
	return id, nil
}

func (d *Dispatcher) unsubscribe(params json.RawMessage) (any, error) {
	list, err := jsonrpc.SplitParams(params)
	if err != nil {
		return nil, err
	}
	if len(list) != 1 {
		return nil, jsonrpc.InvalidParams("expected [subscription], got %d params", len(list))
	}
	id, err := decodeString(list[0], "subscription")
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	cancel, ok := d.subs[id]
	delete(d.subs, id)
	d.mu.Unlock()

	if !ok {
		return nil, jsonrpc.InvalidParams("%v: %s", ErrUnknownSubscription, id)
	}
	cancel()
	return true, nil
}

// Close cancels every subscription.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[string]func())
	d.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
}

func decodeString(raw json.RawMessage, name string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", jsonrpc.InvalidParams("%s must be a string", name)
	}
	if strings.TrimSpace(s) == "" {
		return "", jsonrpc.InvalidParams("%s must not be empty", name)
	}
	return s, nil
}

// decodeIndex accepts a JSON number or a decimal/0x hex string.
func decodeIndex(raw json.RawMessage) (uint64, error) {
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseUint(s, 0, 64); err == nil {
			return n, nil
		}
	}
	return 0, jsonrpc.InvalidParams("index must be a non-negative integer, got %s", raw)
}
