// Package protocol defines the client-facing wire messages.
//
// Inbound messages are decoded once at the boundary into a tagged union;
// unknown tags are rejected with UnknownTypeError instead of falling
// through silently. Outbound messages share an envelope carrying the
// message type and the global sequence number.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Subscription type strings accepted on the wire.
const (
	SubscriptionStock  = "stock"
	SubscriptionMarket = "market"
)

// Inbound message type tags.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Outbound message type tags.
const (
	TypePriceUpdate     = "price_update"
	TypeOrderbookUpdate = "orderbook_update"
	TypeMarketStatus    = "market_status"
	TypeAlert           = "alert"
	TypeSubscribed      = "subscribed"
	TypeUnsubscribed    = "unsubscribed"
	TypePong            = "pong"
	TypeError           = "error"
)

// Inbound is the tagged union of client-to-server messages.
type Inbound interface{ inboundMessage() }

// Subscribe asks to receive events for a set of targets.
type Subscribe struct {
	SubscriptionType string
	Targets          []string
}

func (Subscribe) inboundMessage() {}

// Unsubscribe stops delivery for a set of targets.
type Unsubscribe struct {
	SubscriptionType string
	Targets          []string
}

func (Unsubscribe) inboundMessage() {}

// Ping is a client keepalive probe.
type Ping struct{}

func (Ping) inboundMessage() {}

// UnknownTypeError reports an inbound message with an unrecognized type tag.
type UnknownTypeError struct {
	Tag string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Tag)
}

// MalformedError reports an inbound frame that could not be decoded.
type MalformedError struct {
	Cause error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Cause)
}

func (e *MalformedError) Unwrap() error { return e.Cause }

// DecodeInbound parses a raw client frame into its typed representation.
func DecodeInbound(data []byte) (Inbound, error) {
	var frame struct {
		Type             string   `json:"type"`
		SubscriptionType string   `json:"subscription_type"`
		Targets          []string `json:"targets"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, &MalformedError{Cause: err}
	}

	switch frame.Type {
	case TypeSubscribe:
		if err := validateSubscription(frame.SubscriptionType, frame.Targets); err != nil {
			return nil, err
		}
		return Subscribe{SubscriptionType: frame.SubscriptionType, Targets: frame.Targets}, nil
	case TypeUnsubscribe:
		if err := validateSubscription(frame.SubscriptionType, frame.Targets); err != nil {
			return nil, err
		}
		return Unsubscribe{SubscriptionType: frame.SubscriptionType, Targets: frame.Targets}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, &UnknownTypeError{Tag: frame.Type}
	}
}

func validateSubscription(subscriptionType string, targets []string) error {
	switch subscriptionType {
	case SubscriptionStock, SubscriptionMarket:
	default:
		return &MalformedError{Cause: fmt.Errorf("invalid subscription_type %q", subscriptionType)}
	}
	if len(targets) == 0 {
		return &MalformedError{Cause: fmt.Errorf("targets must not be empty")}
	}
	for _, t := range targets {
		if t == "" {
			return &MalformedError{Cause: fmt.Errorf("targets must not contain empty strings")}
		}
	}
	return nil
}

// Outbound is implemented by every server-to-client message.
// The registry assigns the global sequence number through it.
type Outbound interface {
	SequenceNumber() uint64
	SetSequence(uint64)
}

// Envelope carries the fields every outbound message shares.
type Envelope struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
}

func (e *Envelope) SequenceNumber() uint64 { return e.Sequence }
func (e *Envelope) SetSequence(n uint64)   { e.Sequence = n }

// PriceUpdate is a real-time price tick for a single instrument.
type PriceUpdate struct {
	Envelope
	StockCode     string  `json:"stock_code"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Volume        int64   `json:"volume"`
	Timestamp     string  `json:"timestamp"`
}

// PriceLevel is a single side entry of an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

// OrderbookUpdate is an order-book delta for a single instrument.
type OrderbookUpdate struct {
	Envelope
	StockCode string       `json:"stock_code"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
}

// MarketStatus signals a market-wide state change (open, close, halt).
type MarketStatus struct {
	Envelope
	Market    string `json:"market"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Alert is a user-directed notification.
type Alert struct {
	Envelope
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// SubscriptionAck echoes a processed subscribe or unsubscribe request.
type SubscriptionAck struct {
	Envelope
	SubscriptionType string   `json:"subscription_type"`
	Targets          []string `json:"targets"`
}

// Pong answers a client ping.
type Pong struct {
	Envelope
}

// ErrorMessage reports a request-level failure to the client.
type ErrorMessage struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewSubscribedAck builds the acknowledgment for a subscribe request.
func NewSubscribedAck(subscriptionType string, targets []string) *SubscriptionAck {
	return &SubscriptionAck{
		Envelope:         Envelope{Type: TypeSubscribed},
		SubscriptionType: subscriptionType,
		Targets:          targets,
	}
}

// NewUnsubscribedAck builds the acknowledgment for an unsubscribe request.
func NewUnsubscribedAck(subscriptionType string, targets []string) *SubscriptionAck {
	return &SubscriptionAck{
		Envelope:         Envelope{Type: TypeUnsubscribed},
		SubscriptionType: subscriptionType,
		Targets:          targets,
	}
}

// NewPong builds the answer to a client ping.
func NewPong() *Pong {
	return &Pong{Envelope: Envelope{Type: TypePong}}
}

// NewErrorMessage builds a client-facing error message.
func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Envelope: Envelope{Type: TypeError},
		Code:     code,
		Message:  message,
	}
}
