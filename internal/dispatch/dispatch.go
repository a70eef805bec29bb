// Package dispatch connects the event bridge to the connection registry:
// events received from any replica are fanned out to the local
// subscribers interested in them.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dhkim-dev/tickpulse/internal/bridge"
	"github.com/dhkim-dev/tickpulse/internal/protocol"
	"github.com/dhkim-dev/tickpulse/internal/registry"
)

// Dispatcher subscribes to the channel families and routes each event to
// the registry. Events for targets without subscribers are dropped
// silently; absence of subscribers is the common case for a
// sparsely-watched instrument.
type Dispatcher struct {
	bridge   *bridge.Bridge
	registry *registry.Registry
}

// New creates a dispatcher. Call Start to begin routing.
func New(b *bridge.Bridge, r *registry.Registry) *Dispatcher {
	return &Dispatcher{bridge: b, registry: r}
}

// Start registers the pattern subscriptions on the bridge.
func (d *Dispatcher) Start(ctx context.Context) error {
	subscriptions := map[string]bridge.Handler{
		bridge.PricePattern:        d.handlePrice,
		bridge.OrderbookPattern:    d.handleOrderbook,
		bridge.MarketStatusPattern: d.handleMarketStatus,
		bridge.AlertPattern:        d.handleAlert,
	}
	for pattern, handler := range subscriptions {
		if err := d.bridge.Subscribe(ctx, pattern, handler); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", pattern, err)
		}
	}
	return nil
}

func (d *Dispatcher) handlePrice(channel string, payload []byte) error {
	code, ok := bridge.StockCode(channel)
	if !ok {
		return fmt.Errorf("unexpected price channel %q", channel)
	}

	var msg protocol.PriceUpdate
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode price update: %w", err)
	}
	msg.Type = protocol.TypePriceUpdate
	if msg.StockCode == "" {
		msg.StockCode = code
	}

	d.registry.SendToSubscribers(registry.KindStock, code, &msg)
	return nil
}

func (d *Dispatcher) handleOrderbook(channel string, payload []byte) error {
	code, ok := bridge.StockCode(channel)
	if !ok {
		return fmt.Errorf("unexpected orderbook channel %q", channel)
	}

	var msg protocol.OrderbookUpdate
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode orderbook update: %w", err)
	}
	msg.Type = protocol.TypeOrderbookUpdate
	if msg.StockCode == "" {
		msg.StockCode = code
	}

	d.registry.SendToSubscribers(registry.KindStock, code, &msg)
	return nil
}

func (d *Dispatcher) handleMarketStatus(channel string, payload []byte) error {
	market, ok := bridge.Market(channel)
	if !ok {
		return fmt.Errorf("unexpected market status channel %q", channel)
	}

	var msg protocol.MarketStatus
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode market status: %w", err)
	}
	msg.Type = protocol.TypeMarketStatus
	if msg.Market == "" {
		msg.Market = market
	}

	d.registry.SendToSubscribers(registry.KindMarket, market, &msg)
	return nil
}

func (d *Dispatcher) handleAlert(channel string, payload []byte) error {
	userID, ok := bridge.AlertUserID(channel)
	if !ok {
		return fmt.Errorf("unexpected alert channel %q", channel)
	}

	var msg protocol.Alert
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode alert: %w", err)
	}
	msg.Type = protocol.TypeAlert

	d.registry.SendToUser(userID, &msg)
	return nil
}
