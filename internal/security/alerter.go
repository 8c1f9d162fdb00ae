// Package security counts suspicious request outcomes per client and reports
// when a client crosses an alert threshold.
package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcomes an observation can carry.
const (
	OutcomeFail        = "fail"
	OutcomeRateLimited = "rate_limited"
)

// Events the guesthouse reports.
const (
	EventHostPasscode = "host.passcode"
	EventTokenVerify  = "token.verify"
	EventGuestJoin    = "guest.join"
	EventSubmit       = "response.submit"
	EventUpload       = "document.upload"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// Alerter aggregates security events in Redis counters.
type Alerter struct {
	redisClient *redis.Client
	prefix      string
	now         func() time.Time
}

// NewAlerter returns nil when addr is empty; a nil Alerter observes nothing.
func NewAlerter(addr, password, prefix string) *Alerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "guesthouse:alerts"
	}
	return &Alerter{
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		now:    time.Now,
	}
}

// Observe records one event for client and reports whether its rule's
// threshold is reached within the current window. Events without a rule
// are ignored.
func (a *Alerter) Observe(ctx context.Context, event, outcome, client string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil || a.redisClient == nil {
		return result, nil
	}
	threshold, window, ok := alertRule(event, outcome)
	if !ok {
		return result, nil
	}
	windowMs := window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(client), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.redisClient, []string{key}, windowMs).Int64()
	if err != nil {
		return result, fmt.Errorf("observe %s: %w", event, err)
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	result.Triggered = count >= threshold
	return result, nil
}

// Close releases the Redis client.
func (a *Alerter) Close() error {
	if a == nil || a.redisClient == nil {
		return nil
	}
	err := a.redisClient.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func alertRule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	event = strings.TrimSpace(event)
	outcome = strings.TrimSpace(outcome)
	if outcome == OutcomeRateLimited {
		return 20, time.Minute, true
	}
	if outcome != OutcomeFail {
		return 0, 0, false
	}
	switch event {
	case EventHostPasscode:
		return 5, 10 * time.Minute, true
	case EventTokenVerify:
		return 25, 5 * time.Minute, true
	default:
		return 0, 0, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
