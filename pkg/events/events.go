// Package events publishes consultation lifecycle events for downstream
// consumers such as billing and notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	ConsultationCreated           = "consultation.created"
	ConsultationChatFinished      = "consultation.chat_finished"
	ConsultationValidated         = "consultation.validated"
	ConsultationFollowUpRequested = "consultation.followup_requested"
	AppointmentPlanned            = "appointment.planned"
	AppointmentRescheduled        = "appointment.rescheduled"
	AppointmentCancelled          = "appointment.cancelled"
	LedgerRecorded                = "ledger.recorded"
	LedgerRejected                = "ledger.rejected"
	LedgerFailed                  = "ledger.failed"
)

type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ConsultationID int64          `json:"consultationId"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Data           map[string]any `json:"data,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(eventType string, consultationID int64, data map[string]any) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		ConsultationID: consultationID,
		OccurredAt:     time.Now().UTC(),
		Data:           data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by consultation id, so
// events of one consultation stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	clean := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			clean = append(clean, b)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("kafka topic required")
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  clean,
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})
	return &KafkaPublisher{writer: writer}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	msg, err := Message(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message encodes evt as a Kafka message.
func Message(evt Event) (kafka.Message, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(evt.ConsultationID, 10)),
		Value: body,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
		},
	}, nil
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Types returns the types of all recorded events in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
