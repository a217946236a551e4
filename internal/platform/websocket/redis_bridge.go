package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultSlotEventsChannel is the Redis channel slot-taken events fan out on.
const DefaultSlotEventsChannel = "slotsync:slot-taken"

type bridgeEnvelope struct {
	Origin  string           `json:"origin"`
	Payload SlotTakenPayload `json:"payload"`
}

// RedisBridge fans slot-taken events out to every server instance. Local
// publishes go straight to the hub and are mirrored on a Redis channel; Run
// relays messages published by other instances into the local hub.
type RedisBridge struct {
	client   *redis.Client
	hub      *Hub
	channel  string
	instance string
	logger   zerolog.Logger
}

// NewRedisBridge creates a bridge on channel (DefaultSlotEventsChannel when empty).
func NewRedisBridge(client *redis.Client, hub *Hub, channel string, logger zerolog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultSlotEventsChannel
	}
	return &RedisBridge{
		client:   client,
		hub:      hub,
		channel:  channel,
		instance: uuid.New().String(),
		logger:   logger.With().Str("component", "ws-redis-bridge").Logger(),
	}
}

// PublishSlotTaken delivers to local subscribers, then mirrors the event to
// other instances. A Redis failure is returned after local delivery.
func (b *RedisBridge) PublishSlotTaken(ctx context.Context, p SlotTakenPayload) error {
	if err := b.hub.PublishSlotTaken(ctx, p); err != nil {
		return err
	}
	data, err := json.Marshal(bridgeEnvelope{Origin: b.instance, Payload: p})
	if err != nil {
		return fmt.Errorf("marshal bridge envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", b.channel, err)
	}
	return nil
}

// Run subscribes to the channel until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("relaying slot events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, msg.Payload)
		}
	}
}

func (b *RedisBridge) relay(ctx context.Context, raw string) {
	var env bridgeEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn().Err(err).Msg("discarding malformed bridge message")
		return
	}
	if env.Origin == b.instance {
		return
	}
	if err := b.hub.PublishSlotTaken(ctx, env.Payload); err != nil {
		b.logger.Warn().Err(err).Msg("relay to hub failed")
	}
}
