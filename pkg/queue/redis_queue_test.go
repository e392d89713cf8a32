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
	q, ctx, msg, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msg.ID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	got := readOne(t, q, ctx, "consumer-2")
	if got.Values["job_id"] != job.ID || got.Values["consultation_id"] != "42" || got.Values["kind"] != KindLedgerAppend {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msg, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msg.ID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	streamLen, err := q.client.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisJobQueueHandleMessageSuccess(t *testing.T) {
	q, ctx, msg, job := newPendingQueueMessage(t)

	var seen JobStatus
	q.handleMessage(ctx, msg, func(_ context.Context, j JobStatus) error {
		seen = j
		return nil
	})
	if seen.ConsultationID != 42 || seen.Kind != KindLedgerAppend || seen.Attempts != 1 {
		t.Fatalf("unexpected job passed to handler: %+v", seen)
	}
	status, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: %v %v", ok, err)
	}
	if status.Status != StatusDone {
		t.Fatalf("status = %q, want done", status.Status)
	}
	if n, _ := q.client.XLen(ctx, q.cfg.Stream).Result(); n != 0 {
		t.Fatalf("expected stream drained, len=%d", n)
	}
}

func TestRedisJobQueueHandleMessagePermanentFailureSkipsRetry(t *testing.T) {
	q, ctx, msg, job := newPendingQueueMessage(t)

	q.handleMessage(ctx, msg, func(context.Context, JobStatus) error {
		return Permanent(errors.New("rejected"))
	})
	status, _, _ := q.GetJob(ctx, job.ID)
	if status.Status != StatusFailed || status.ErrorMessage != "rejected" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if n, _ := q.client.XLen(ctx, q.cfg.Stream).Result(); n != 0 {
		t.Fatalf("permanent failure must not requeue, len=%d", n)
	}
}

func TestRedisJobQueueHandleMessageRetriesThenFails(t *testing.T) {
	q, ctx, msg, job := newPendingQueueMessage(t)
	q.cfg.MaxRetries = 2
	transient := func(context.Context, JobStatus) error { return errors.New("ledger unavailable") }

	q.handleMessage(ctx, msg, transient)
	status, _, _ := q.GetJob(ctx, job.ID)
	if status.Status != StatusQueued || status.Attempts != 1 {
		t.Fatalf("after first failure: %+v", status)
	}

	retry := readOne(t, q, ctx, "consumer-1")
	q.handleMessage(ctx, retry, transient)
	status, _, _ = q.GetJob(ctx, job.ID)
	if status.Status != StatusFailed || status.Attempts != 2 {
		t.Fatalf("after retries exhausted: %+v", status)
	}
}

func TestRedisJobQueueStartProcessesJobs(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:start",
		Group:      "workers",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, KindReportArchive, 7)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var handled atomic.Int32
	q.Start(ctx, 2, func(_ context.Context, j JobStatus) error {
		if j.ConsultationID == 7 {
			handled.Add(1)
		}
		return nil
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, ok, _ := q.GetJob(ctx, job.ID)
		if ok && status.Status == StatusDone {
			if handled.Load() != 1 {
				t.Fatalf("handler called %d times", handled.Load())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job was not processed before deadline")
}

func TestEnqueueValidatesInput(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "test:validate"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), "", 1); err == nil {
		t.Fatal("expected error for empty kind")
	}
	if _, err := q.Enqueue(context.Background(), KindLedgerAppend, 0); err == nil {
		t.Fatal("expected error for missing consultation id")
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, redis.XMessage, JobStatus) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, KindLedgerAppend, 42)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return q, ctx, readOne(t, q, ctx, "consumer-1"), job
}

func readOne(t *testing.T, q *RedisJobQueue, ctx context.Context, consumer string) redis.XMessage {
	t.Helper()
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one message, got %+v", streams)
	}
	return streams[0].Messages[0]
}
