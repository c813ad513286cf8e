// Package pubsub fans events out across gateway instances. Each instance
// publishes every broadcast to a shared Redis channel and replays envelopes
// published by its peers, so clients connected to different instances see
// the same event stream.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"chatservice/internal/util"
)

const channel = "chat:events"

// Envelope is one cross-instance event. Room is empty for global events.
type Envelope struct {
	Origin  string          `json:"origin"`
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge publishes local events to peers and replays peer events locally.
type Bridge interface {
	Publish(ctx context.Context, event, room string, payload any) error
	Run(ctx context.Context, handler func(Envelope)) error
	Origin() string
}

// RedisBridge is the production Bridge on one shared Redis channel.
type RedisBridge struct {
	client *redis.Client
	origin string
	logger *slog.Logger
}

func NewRedisBridge(addr, password string, logger *slog.Logger) *RedisBridge {
	return NewRedisBridgeWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), logger)
}

// NewRedisBridgeWithClient builds the bridge around an existing client.
func NewRedisBridgeWithClient(client *redis.Client, logger *slog.Logger) *RedisBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{client: client, origin: util.NewID(), logger: logger}
}

func (b *RedisBridge) Origin() string { return b.origin }

// Publish sends one envelope to every instance, this one included; the
// subscriber side filters out our own origin.
func (b *RedisBridge) Publish(ctx context.Context, event, room string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal payload for %s: %w", event, err)
	}
	env, err := json.Marshal(Envelope{Origin: b.origin, Event: event, Room: room, Payload: raw})
	if err != nil {
		return fmt.Errorf("pubsub: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channel, env).Err(); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", event, err)
	}
	return nil
}

// Run subscribes and replays peer envelopes into handler until the context
// is canceled. Envelopes carrying our own origin are dropped; the local
// gateway already delivered those directly.
func (b *RedisBridge) Run(ctx context.Context, handler func(Envelope)) error {
	sub := b.client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("pubsub: subscribe: %w", err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed envelope", "error", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			handler(env)
		}
	}
}

// NoopBridge satisfies Bridge for single-instance deployments and tests.
type NoopBridge struct {
	origin string
}

func NewNoopBridge() *NoopBridge {
	return &NoopBridge{origin: util.NewID()}
}

func (b *NoopBridge) Origin() string { return b.origin }

func (b *NoopBridge) Publish(context.Context, string, string, any) error { return nil }

func (b *NoopBridge) Run(ctx context.Context, _ func(Envelope)) error {
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
