package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"phototheology/pkg/domain"
)

// RedisBroadcaster publishes messages on a per-event Redis Pub/Sub channel.
// Delivery is best-effort: subscribers that are offline miss the message.
type RedisBroadcaster struct {
	client *redis.Client
}

// NewRedisBroadcaster builds a broadcaster on the given Redis server.
func NewRedisBroadcaster(addr, password string) (*RedisBroadcaster, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("broadcast redis addr required")
	}
	return &RedisBroadcaster{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
	}, nil
}

// Publish implements Publisher.
func (b *RedisBroadcaster) Publish(ctx context.Context, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.client.Publish(ctx, Topic(msg.EventID), payload).Err()
}

// Subscribe listens on an event's channel until ctx is done. The returned
// channel is closed when the subscription ends.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, eventID string) (<-chan domain.Message, error) {
	sub := b.client.Subscribe(ctx, Topic(eventID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Topic(eventID), err)
	}
	out := make(chan domain.Message, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg domain.Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					slog.Warn("drop malformed broadcast", "channel", raw.Channel, "err", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the Redis connection pool.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
