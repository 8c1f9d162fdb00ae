package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"phototheology/pkg/domain"
)

// FeedEntry is one durable change with its stream position.
type FeedEntry struct {
	StreamID string         `json:"streamId"`
	Message  domain.Message `json:"message"`
}

// RedisChangeFeed appends every state change to a per-event Redis stream so
// clients can replay what they missed from their last seen position.
type RedisChangeFeed struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
}

// ChangeFeedConfig configures RedisChangeFeed.
type ChangeFeedConfig struct {
	Addr     string
	Password string
	MaxLen   int64
	TTL      time.Duration
}

// NewRedisChangeFeed builds a change feed.
func NewRedisChangeFeed(cfg ChangeFeedConfig) (*RedisChangeFeed, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("change feed redis addr required")
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisChangeFeed{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		maxLen: maxLen,
		ttl:    ttl,
	}, nil
}

// Publish implements Publisher.
func (f *RedisChangeFeed) Publish(ctx context.Context, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := ChangesStream(msg.EventID)
	pipe := f.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    string(msg.Type),
			"message": string(payload),
		},
	})
	pipe.Expire(ctx, key, f.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Since returns up to count entries strictly after afterID. An empty afterID
// reads from the beginning of the stream.
func (f *RedisChangeFeed) Since(ctx context.Context, eventID, afterID string, count int64) ([]FeedEntry, error) {
	if count <= 0 {
		count = 100
	}
	start := "-"
	fetch := count
	if afterID = strings.TrimSpace(afterID); afterID != "" {
		start = afterID
		fetch++
	}
	msgs, err := f.client.XRangeN(ctx, ChangesStream(eventID), start, "+", fetch).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]FeedEntry, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == afterID || int64(len(entries)) == count {
			continue
		}
		raw, _ := m.Values["message"].(string)
		var msg domain.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		entries = append(entries, FeedEntry{StreamID: m.ID, Message: msg})
	}
	return entries, nil
}

// Close releases the Redis connection pool.
func (f *RedisChangeFeed) Close() error {
	return f.client.Close()
}
