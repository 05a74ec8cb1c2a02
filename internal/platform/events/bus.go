// Package events broadcasts service order notifications to other surfaces
// over Redis Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "os.events"

// Type names a notification.
type Type string

const (
	OrderSaved   Type = "orderSaved"
	OrderDeleted Type = "orderDeleted"
)

// Event is the payload published on the bus.
type Event struct {
	Type    Type      `json:"type"`
	OrderID int64     `json:"order_id,omitempty"`
	Code    string    `json:"code,omitempty"`
	At      time.Time `json:"at"`
}

// Bus publishes and consumes events.
type Bus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewBus constructs a bus on channel.
func NewBus(client *redis.Client, channel string, logger *slog.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{client: client, channel: channel, logger: logger}
}

// Publish emits ev.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.client == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe delivers events to handler until ctx is cancelled. It returns
// once the subscription is confirmed.
func (b *Bus) Subscribe(ctx context.Context, handler func(Event)) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("events: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("drop malformed event", slog.Any("error", err))
					continue
				}
				handler(ev)
			}
		}
	}()
	return nil
}
