package eip1193

import (
	"encoding/json"
	"fmt"
)

// MessageTypeEthSubscription tags subscription notifications.
const MessageTypeEthSubscription = "eth_subscription"

// ProviderMessage is the payload of a message event.
type ProviderMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EthSubscription is a ProviderMessage of type eth_subscription.
type EthSubscription struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// ProviderConnectInfo is the payload of a connect event.
type ProviderConnectInfo struct {
	ChainID string `json:"chainId"`
}

// NewSubscriptionMessage builds the message emitted for a subscription
// notification.
func NewSubscriptionMessage(subscription string, result any) (ProviderMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return ProviderMessage{}, fmt.Errorf("failed to marshal subscription result: %w", err)
	}
	data, err := json.Marshal(EthSubscription{Subscription: subscription, Result: raw})
	if err != nil {
		return ProviderMessage{}, fmt.Errorf("failed to marshal subscription data: %w", err)
	}
	return ProviderMessage{Type: MessageTypeEthSubscription, Data: data}, nil
}

// AsEthSubscription decodes msg as a subscription notification.
// ok is false when msg carries a different type.
func AsEthSubscription(msg ProviderMessage) (sub EthSubscription, ok bool, err error) {
	if msg.Type != MessageTypeEthSubscription {
		return EthSubscription{}, false, nil
	}
	if err := json.Unmarshal(msg.Data, &sub); err != nil {
		return EthSubscription{}, true, fmt.Errorf("invalid eth_subscription payload: %w", err)
	}
	return sub, true, nil
}
