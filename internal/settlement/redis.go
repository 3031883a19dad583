package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries JSON-encoded Events.
const DefaultChannel = "edge:settlements"

// RedisSource reads resolutions from a Redis Pub/Sub channel.
type RedisSource struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisSource returns a source on channel (default DefaultChannel).
func NewRedisSource(rdb *redis.Client, channel string, logger *slog.Logger) *RedisSource {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{rdb: rdb, channel: channel, logger: logger}
}

// Subscribe implements Source. Undecodable payloads are logged and dropped.
func (s *RedisSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("settlement: subscribe %s: %w", s.channel, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil {
					s.logger.Warn("dropping settlement message", "channel", s.channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Publish sends ev on the channel; used by operators and tests.
func (s *RedisSource) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("settlement: publish %s: %w", s.channel, err)
	}
	return nil
}
