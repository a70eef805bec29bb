// Package bridge is a thin publish/subscribe abstraction over Redis
// Pub/Sub. It lets independently-scaled service replicas share a single
// logical event stream: an event published on any replica reaches the
// bridge listener of every replica.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dhkim-dev/tickpulse/internal/logging"
	"github.com/dhkim-dev/tickpulse/internal/metrics"
)

// ErrNotConnected is returned when the bridge is used before Connect.
var ErrNotConnected = errors.New("bridge not connected")

// Handler consumes one event. The channel argument is always the concrete
// channel name, even when the subscription was made with a pattern.
type Handler func(channel string, payload []byte) error

// Bridge wraps a shared Redis connection with handler registration and a
// single supervised listener goroutine.
type Bridge struct {
	rdb *goredis.Client

	mu              sync.Mutex
	connected       bool
	pubsub          *goredis.PubSub
	handlers        map[string][]Handler
	listenerStarted bool
	listenerCancel  context.CancelFunc
	listenerDone    chan struct{}
}

// New creates a bridge over the given Redis client. Call Connect before
// publishing or subscribing.
func New(rdb *goredis.Client) *Bridge {
	return &Bridge{
		rdb:      rdb,
		handlers: make(map[string][]Handler),
	}
}

// Connect verifies the Redis connection and opens the Pub/Sub session.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect bridge: %w", err)
	}

	// Opened without channels; Subscribe adds them incrementally.
	b.pubsub = b.rdb.Subscribe(context.WithoutCancel(ctx))
	b.connected = true
	slog.Info("Event bridge connected")
	return nil
}

// Disconnect unsubscribes all channels and releases the Pub/Sub session.
// Unsubscribe failures are logged but do not prevent the release. Safe to
// call when never connected.
func (b *Bridge) Disconnect(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return
	}

	channels, patterns := b.subscribedNamesLocked()
	if len(channels) > 0 {
		if err := b.pubsub.Unsubscribe(ctx, channels...); err != nil {
			slog.Warn("Failed to unsubscribe channels during disconnect", "error", err)
		}
	}
	if len(patterns) > 0 {
		if err := b.pubsub.PUnsubscribe(ctx, patterns...); err != nil {
			slog.Warn("Failed to unsubscribe patterns during disconnect", "error", err)
		}
	}

	if b.listenerCancel != nil {
		b.listenerCancel()
		b.listenerCancel = nil
	}
	if err := b.pubsub.Close(); err != nil {
		slog.Warn("Failed to close pubsub during disconnect", "error", err)
	}
	if b.listenerDone != nil {
		done := b.listenerDone
		b.mu.Unlock()
		<-done
		b.mu.Lock()
		b.listenerDone = nil
	}

	b.pubsub = nil
	b.handlers = make(map[string][]Handler)
	b.listenerStarted = false
	b.connected = false
	slog.Info("Event bridge disconnected")
}

func (b *Bridge) subscribedNamesLocked() (channels, patterns []string) {
	for name := range b.handlers {
		if isPattern(name) {
			patterns = append(patterns, name)
		} else {
			channels = append(channels, name)
		}
	}
	return channels, patterns
}

// Publish serializes payload as JSON and publishes it on channel,
// returning the number of receivers. Transport errors propagate so a
// producer knows delivery was not attempted.
func (b *Bridge) Publish(ctx context.Context, channel string, payload any) (int64, error) {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	receivers, err := b.rdb.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish on %s: %w", channel, err)
	}

	metrics.BridgeEventsPublished.WithLabelValues(channelFamily(channel)).Inc()
	return receivers, nil
}

func channelFamily(channel string) string {
	if _, ok := StockCode(channel); ok {
		return "stock"
	}
	if _, ok := Market(channel); ok {
		return "market"
	}
	if _, ok := AlertUserID(channel); ok {
		return "alerts"
	}
	return "other"
}

// Subscribe registers a handler for an exact channel name or a glob
// pattern (*, ?). Multiple handlers may register on the same name; all are
// invoked. The first subscription starts the single listener goroutine,
// idempotently.
func (b *Bridge) Subscribe(ctx context.Context, channelOrPattern string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}

	firstForName := len(b.handlers[channelOrPattern]) == 0
	b.handlers[channelOrPattern] = append(b.handlers[channelOrPattern], handler)

	if firstForName {
		var err error
		if isPattern(channelOrPattern) {
			err = b.pubsub.PSubscribe(ctx, channelOrPattern)
		} else {
			err = b.pubsub.Subscribe(ctx, channelOrPattern)
		}
		if err != nil {
			b.handlers[channelOrPattern] = b.handlers[channelOrPattern][:len(b.handlers[channelOrPattern])-1]
			if len(b.handlers[channelOrPattern]) == 0 {
				delete(b.handlers, channelOrPattern)
			}
			return fmt.Errorf("failed to subscribe %s: %w", channelOrPattern, err)
		}
	}

	if !b.listenerStarted {
		listenerCtx, cancel := context.WithCancel(context.Background())
		b.listenerCancel = cancel
		b.listenerDone = make(chan struct{})
		go b.listen(listenerCtx, b.listenerDone)
		b.listenerStarted = true
	}

	slog.Debug("Bridge subscription added", "channel", channelOrPattern)
	return nil
}

// Unsubscribe removes all handlers for a channel or pattern and cancels
// the underlying subscription. Safe to call on a name with no handlers.
func (b *Bridge) Unsubscribe(ctx context.Context, channelOrPattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}

	if _, ok := b.handlers[channelOrPattern]; !ok {
		return nil
	}
	delete(b.handlers, channelOrPattern)

	var err error
	if isPattern(channelOrPattern) {
		err = b.pubsub.PUnsubscribe(ctx, channelOrPattern)
	} else {
		err = b.pubsub.Unsubscribe(ctx, channelOrPattern)
	}
	if err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", channelOrPattern, err)
	}
	return nil
}

// listen is the single background listener. Control and confirmation
// frames from Redis are discarded; malformed payloads are dropped with a
// log line; handler failures are isolated per handler so the loop and the
// remaining handlers keep running.
func (b *Bridge) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		msg, err := b.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("Bridge listener cancelled")
				return
			}
			logging.WithError(err).Error("Bridge listener terminated unexpectedly")
			return
		}

		switch m := msg.(type) {
		case *goredis.Subscription:
			// subscribe/unsubscribe confirmation, not an event
		case *goredis.Pong:
			// keepalive, not an event
		case *goredis.Message:
			b.dispatch(m.Channel, m.Pattern, []byte(m.Payload))
		default:
			slog.Warn("Bridge listener received unknown frame", "frame_type", fmt.Sprintf("%T", msg))
		}
	}
}

// dispatch fans one event out to every handler registered for the
// matching subscription name, passing the concrete channel name.
func (b *Bridge) dispatch(channel, pattern string, payload []byte) {
	metrics.BridgeEventsReceived.Inc()

	if !json.Valid(payload) {
		metrics.BridgeMalformedPayloads.Inc()
		logging.WithChannel(channel).Warn("Dropping malformed bridge payload")
		return
	}

	name := channel
	if pattern != "" {
		name = pattern
	}

	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[name]))
	copy(handlers, b.handlers[name])
	b.mu.Unlock()

	for _, handler := range handlers {
		b.invoke(handler, channel, payload)
	}
}

func (b *Bridge) invoke(handler Handler, channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BridgeHandlerErrors.Inc()
			logging.WithChannel(channel).Error("Bridge handler panicked", "panic", r)
		}
	}()

	if err := handler(channel, payload); err != nil {
		metrics.BridgeHandlerErrors.Inc()
		logging.WithChannel(channel).Error("Bridge handler failed", "error", err)
	}
}
