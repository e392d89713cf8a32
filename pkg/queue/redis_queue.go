package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures a Redis Streams backed queue. Zero values pick
// the defaults applied by NewRedisJobQueue.
type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	// RetryDelay below zero disables the pause before a retry.
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func (c RedisQueueConfig) withDefaults() (RedisQueueConfig, error) {
	c.Addr = strings.TrimSpace(c.Addr)
	c.Stream = strings.TrimSpace(c.Stream)
	c.Group = strings.TrimSpace(c.Group)
	c.Consumer = strings.TrimSpace(c.Consumer)
	switch {
	case c.Addr == "":
		return c, errors.New("redis addr required")
	case c.Stream == "":
		return c, errors.New("queue stream required")
	}
	if c.Group == "" {
		c.Group = "default"
	}
	if c.Consumer == "" {
		c.Consumer = uuid.NewString()
	}
	positive(&c.JobTTL, 24*time.Hour)
	positive(&c.Block, 5*time.Second)
	positive(&c.ClaimIdle, 30*time.Second)
	positive(&c.MaxLen, 10000)
	positive(&c.ReadCount, 10)
	positive(&c.ClaimCount, 10)
	positive(&c.MaxRetries, 3)
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	} else if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c, nil
}

func positive[T int | int64 | time.Duration](v *T, def T) {
	if *v <= 0 {
		*v = def
	}
}

// RedisJobQueue delivers jobs through a consumer group on a Redis stream.
// Each job also has a status hash that outlives the stream entry for JobTTL.
type RedisJobQueue struct {
	cfg       RedisQueueConfig
	client    *redis.Client
	groupOnce sync.Once
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &RedisJobQueue{
		cfg:    cfg,
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password}),
	}, nil
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// jobHash is the stored form of a JobStatus.
type jobHash struct {
	ID             string `redis:"id"`
	Kind           string `redis:"kind"`
	ConsultationID int64  `redis:"consultation_id"`
	Status         string `redis:"status"`
	Error          string `redis:"error"`
	Attempts       int    `redis:"attempts"`
	CreatedAtMs    int64  `redis:"created_at_ms"`
	UpdatedAtMs    int64  `redis:"updated_at_ms"`
}

func (h jobHash) status() JobStatus {
	job := JobStatus{
		ID:             h.ID,
		Kind:           h.Kind,
		ConsultationID: h.ConsultationID,
		Status:         h.Status,
		ErrorMessage:   h.Error,
		Attempts:       h.Attempts,
	}
	if h.CreatedAtMs > 0 {
		job.CreatedAt = time.UnixMilli(h.CreatedAtMs).UTC()
	}
	if h.UpdatedAtMs > 0 {
		job.UpdatedAt = time.UnixMilli(h.UpdatedAtMs).UTC()
	}
	return job
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, kind string, consultationID int64) (JobStatus, error) {
	if kind = strings.TrimSpace(kind); kind == "" {
		return JobStatus{}, errors.New("job kind required")
	}
	if consultationID <= 0 {
		return JobStatus{}, errors.New("consultationId required")
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := jobHash{
		ID:             uuid.NewString(),
		Kind:           kind,
		ConsultationID: consultationID,
		Status:         StatusQueued,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
	}
	key := q.statusKey(rec.ID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, rec)
		pipe.Expire(ctx, key, q.cfg.JobTTL)
		pipe.XAdd(ctx, q.entry(rec.ID, kind, consultationID))
		return nil
	})
	if err != nil {
		return JobStatus{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return rec.status(), nil
}

func (q *RedisJobQueue) entry(jobID, kind string, consultationID int64) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":          jobID,
			"kind":            kind,
			"consultation_id": strconv.FormatInt(consultationID, 10),
		},
	}
}

// GetJob returns the stored status of jobID, if it has not expired.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	if jobID = strings.TrimSpace(jobID); jobID == "" {
		return JobStatus{}, false, nil
	}
	res := q.client.HGetAll(ctx, q.statusKey(jobID))
	if err := res.Err(); err != nil {
		return JobStatus{}, false, err
	}
	if len(res.Val()) == 0 {
		return JobStatus{}, false, nil
	}
	var rec jobHash
	if err := res.Scan(&rec); err != nil {
		return JobStatus{}, false, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	rec.ID = jobID
	return rec.status(), true, nil
}

// Start launches concurrency consumers that run until ctx ends.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	positive(&concurrency, 1)
	q.ensureGroup(ctx)
	for i := range concurrency {
		go q.consume(ctx, fmt.Sprintf("%s-%d", q.cfg.Consumer, i), handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			slog.Warn("queue: create consumer group failed", "stream", q.cfg.Stream, "group", q.cfg.Group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consume(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		// Entries left pending by a crashed consumer are picked up first.
		stale, err := q.claimStale(ctx, consumer)
		if err != nil && ctx.Err() == nil {
			slog.Warn("queue: autoclaim failed", "stream", q.cfg.Stream, "consumer", consumer, "err", err)
		}
		for _, msg := range stale {
			q.handleMessage(ctx, msg, handler)
		}

		fresh, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    q.cfg.ReadCount,
			Block:    q.cfg.Block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() == nil {
				slog.Warn("queue: read failed", "stream", q.cfg.Stream, "consumer", consumer, "err", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		for _, s := range fresh {
			for _, msg := range s.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimStale(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    q.cfg.ClaimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return msgs, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	kind, _ := msg.Values["kind"].(string)
	rawID, _ := msg.Values["consultation_id"].(string)
	consultationID, _ := strconv.ParseInt(rawID, 10, 64)
	if jobID == "" || kind == "" || consultationID <= 0 {
		slog.Warn("queue: dropping malformed entry", "stream", q.cfg.Stream, "entry", msg.ID)
		q.settle(ctx, msg.ID)
		return
	}
	job, err := q.begin(ctx, jobID, kind, consultationID)
	if err != nil {
		// Leave the entry pending so another consumer can claim it later.
		slog.Warn("queue: record attempt failed", "jobId", jobID, "err", err)
		return
	}

	herr := handler(ctx, job)
	switch {
	case herr == nil:
		_ = q.setStatus(ctx, jobID, StatusDone, "")
		q.settle(ctx, msg.ID)
	case IsPermanent(herr) || job.Attempts >= q.cfg.MaxRetries:
		slog.Error("queue: job failed", "stream", q.cfg.Stream, "jobId", jobID, "kind", kind,
			"consultationId", consultationID, "attempts", job.Attempts, "err", herr)
		_ = q.setStatus(ctx, jobID, StatusFailed, herr.Error())
		q.settle(ctx, msg.ID)
	default:
		_ = q.setStatus(ctx, jobID, StatusQueued, herr.Error())
		if q.cfg.RetryDelay > 0 && !sleepCtx(ctx, q.cfg.RetryDelay) {
			return
		}
		if err := q.requeueAndAck(ctx, msg.ID, job); err != nil {
			slog.Warn("queue: requeue failed", "jobId", jobID, "err", err)
		}
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// settle acknowledges and removes a finished entry.
func (q *RedisJobQueue) settle(ctx context.Context, entryID string) {
	_, _ = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, entryID)
		pipe.XDel(ctx, q.cfg.Stream, entryID)
		return nil
	})
}

// requeueAndAck appends a fresh entry for job and settles the old one in a
// single transaction, so a failure leaves the original entry pending.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, entryID string, job JobStatus) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, q.entry(job.ID, job.Kind, job.ConsultationID))
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, entryID)
		pipe.XDel(ctx, q.cfg.Stream, entryID)
		return nil
	})
	return err
}

// begin counts a delivery attempt and marks the job processing.
func (q *RedisJobQueue) begin(ctx context.Context, jobID, kind string, consultationID int64) (JobStatus, error) {
	key := q.statusKey(jobID)
	now := time.Now().UTC().UnixMilli()
	var snapshot *redis.MapStringStringCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "created_at_ms", now)
		pipe.HSet(ctx, key,
			"id", jobID,
			"kind", kind,
			"consultation_id", consultationID,
			"status", StatusProcessing,
			"updated_at_ms", now,
		)
		pipe.HIncrBy(ctx, key, "attempts", 1)
		pipe.Expire(ctx, key, q.cfg.JobTTL)
		snapshot = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return JobStatus{}, err
	}
	var rec jobHash
	if err := snapshot.Scan(&rec); err != nil {
		return JobStatus{}, err
	}
	return rec.status(), nil
}

func (q *RedisJobQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	return q.client.HSet(ctx, q.statusKey(jobID),
		"status", status,
		"error", errMsg,
		"updated_at_ms", time.Now().UTC().UnixMilli(),
	).Err()
}

func (q *RedisJobQueue) statusKey(jobID string) string {
	return "job:" + q.cfg.Stream + ":" + jobID
}
