package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := jobFromValues(streams[0].Messages[0].Values)
	if got.ID != job.ID || got.ResponseID != job.ResponseID || got.EventID != job.EventID {
		t.Fatalf("unexpected requeued payload: %+v", got)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisJobQueueEnqueueRequiresResponse(t *testing.T) {
	q := newQueue(t, miniredis.RunT(t))
	if _, err := q.Enqueue(context.Background(), "event-1", "  "); err == nil {
		t.Fatalf("expected error for empty response id")
	}
	if _, found, err := q.GetJob(context.Background(), "missing"); err != nil || found {
		t.Fatalf("missing job: found=%v err=%v", found, err)
	}
}

func TestRedisJobQueueRetriesThenCompletes(t *testing.T) {
	q := newQueue(t, miniredis.RunT(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := q.Enqueue(ctx, "event-1", "response-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var calls atomic.Int32
	q.Start(ctx, 1, func(_ context.Context, got GradeJob) error {
		if got.ResponseID != "response-1" || got.EventID != "event-1" {
			t.Errorf("unexpected job: %+v", got)
		}
		if calls.Add(1) == 1 {
			return errors.New("model unavailable")
		}
		return nil
	})

	final := waitForStatus(t, ctx, q, job.ID, StatusDone)
	if final.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", final.Attempts)
	}
	if final.ErrorMessage != "" {
		t.Fatalf("done job should clear error, got %q", final.ErrorMessage)
	}
}

func TestRedisJobQueueGivesUpAfterMaxRetries(t *testing.T) {
	q := newQueue(t, miniredis.RunT(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := q.Enqueue(ctx, "event-1", "response-2")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Start(ctx, 2, func(context.Context, GradeJob) error {
		return errors.New("unparseable verdict")
	})

	final := waitForStatus(t, ctx, q, job.ID, StatusFailed)
	if final.Attempts != q.maxRetries {
		t.Fatalf("attempts = %d, want %d", final.Attempts, q.maxRetries)
	}
	if final.ErrorMessage != "unparseable verdict" {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
}

func newQueue(t *testing.T, srv *miniredis.Miniredis) *RedisJobQueue {
	t.Helper()
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       srv.Addr(),
		Stream:     "test:grading",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
		Block:      20 * time.Millisecond,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitForStatus(t *testing.T, ctx context.Context, q *RedisJobQueue, jobID, status string) GradeJob {
	t.Helper()
	for {
		job, found, err := q.GetJob(ctx, jobID)
		if err == nil && found && job.Status == status {
			return job
		}
		select {
		case <-ctx.Done():
			t.Fatalf("job %s never reached %s (last %+v, err=%v)", jobID, status, job, err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, GradeJob) {
	t.Helper()

	q := newQueue(t, miniredis.RunT(t))
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "event-1", "response-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0].ID, job
}
