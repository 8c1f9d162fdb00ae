// Package realtime delivers live-session state changes to connected clients.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"phototheology/pkg/domain"
)

const topicPrefix = "live-session:"

// Topic is the broadcast channel name for an event.
func Topic(eventID string) string {
	return topicPrefix + eventID
}

// ChangesStream is the durable change-feed key for an event.
func ChangesStream(eventID string) string {
	return topicPrefix + eventID + ":changes"
}

// Publisher delivers one message to one transport.
type Publisher interface {
	Publish(ctx context.Context, msg domain.Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg domain.Message) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, msg domain.Message) error {
	return f(ctx, msg)
}

// Sink names a Publisher so it can be logged and swapped independently.
type Sink struct {
	Name      string
	Publisher Publisher
}

// Notifier fans a state change out to every configured sink. The broadcast
// sink gives low latency, the change feed lets clients that missed a
// broadcast catch up.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier builds a Notifier. Sinks with a nil Publisher are skipped.
func NewNotifier(logger *slog.Logger, sinks ...Sink) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	active := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s.Publisher != nil {
			active = append(active, s)
		}
	}
	return &Notifier{sinks: active, timeout: 3 * time.Second, logger: logger}
}

// Sinks returns the names of the active sinks.
func (n *Notifier) Sinks() []string {
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		names = append(names, s.Name)
	}
	return names
}

// PublishStateChange delivers msg to all sinks concurrently. Every sink is
// attempted even if another fails; failures are logged and returned joined.
// The message gets an ID first so clients can drop the copy they receive
// from the second channel.
func (n *Notifier) PublishStateChange(ctx context.Context, msg domain.Message) error {
	if n == nil || len(n.sinks) == 0 {
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, sink := range n.sinks {
		g.Go(func() error {
			if err := sink.Publisher.Publish(ctx, msg); err != nil {
				n.logger.Warn("publish state change failed",
					"sink", sink.Name,
					"type", msg.Type,
					"event_id", msg.EventID,
					"err", err,
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
