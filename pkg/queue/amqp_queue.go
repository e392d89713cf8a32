package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPJobQueue runs the job queue on a durable RabbitMQ queue. Job status is
// carried in the message body; retries republish with an incremented attempt
// count and ack the original.
type AMQPJobQueue struct {
	conn       *amqp.Connection
	pubMu      sync.Mutex
	pub        *amqp.Channel
	queue      string
	maxRetries int
	retryDelay time.Duration
}

type AMQPQueueConfig struct {
	URL        string
	Queue      string
	MaxRetries int
	RetryDelay time.Duration
}

func NewAMQPJobQueue(cfg AMQPQueueConfig) (*AMQPJobQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("queue name required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", name, err)
	}
	return &AMQPJobQueue{
		conn:       conn,
		pub:        ch,
		queue:      name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

func (q *AMQPJobQueue) Close() error {
	return q.conn.Close()
}

func (q *AMQPJobQueue) Enqueue(ctx context.Context, kind string, consultationID int64) (JobStatus, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return JobStatus{}, errors.New("job kind required")
	}
	if consultationID <= 0 {
		return JobStatus{}, errors.New("consultationId required")
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:             uuid.NewString(),
		Kind:           kind,
		ConsultationID: consultationID,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.publish(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *AMQPJobQueue) publish(ctx context.Context, job JobStatus) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.UpdatedAt,
		Type:         job.Kind,
		Body:         body,
	})
}

func (q *AMQPJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		slog.Error("queue: open consume channel failed", "queue", q.queue, "err", err)
		return
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		slog.Warn("queue: set prefetch failed", "queue", q.queue, "err", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("queue: consume failed", "queue", q.queue, "err", err)
		_ = ch.Close()
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				q.handleDelivery(ctx, d, handler)
			}
		}()
	}
	go func() {
		wg.Wait()
		_ = ch.Close()
	}()
}

func (q *AMQPJobQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	var job JobStatus
	if err := json.Unmarshal(d.Body, &job); err != nil || job.ID == "" || job.ConsultationID <= 0 {
		slog.Warn("queue: dropping malformed message", "queue", q.queue, "messageId", d.MessageId)
		_ = d.Ack(false)
		return
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()

	err := handler(ctx, job)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if IsPermanent(err) || job.Attempts >= q.maxRetries {
		slog.Error("queue: job failed", "queue", q.queue, "jobId", job.ID, "kind", job.Kind,
			"consultationId", job.ConsultationID, "attempts", job.Attempts, "err", err)
		_ = d.Ack(false)
		return
	}
	job.Status = StatusQueued
	job.ErrorMessage = err.Error()
	if !sleepCtx(ctx, q.retryDelay) {
		_ = d.Nack(false, true)
		return
	}
	if perr := q.publish(ctx, job); perr != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
