package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMessageKeysByConsultation(t *testing.T) {
	evt := New(AppointmentPlanned, 42, map[string]any{"appointmentId": 7})
	msg, err := Message(evt)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if string(msg.Key) != "42" {
		t.Fatalf("key = %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != AppointmentPlanned {
		t.Fatalf("headers = %+v", msg.Headers)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != evt.ID || decoded.Type != AppointmentPlanned {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	if _, err := NewKafkaPublisher([]string{" "}, "t"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestRecorderKeepsOrder(t *testing.T) {
	var r Recorder
	_ = r.Publish(context.Background(), New(ConsultationCreated, 1, nil))
	_ = r.Publish(context.Background(), New(ConsultationValidated, 1, nil))
	got := r.Types()
	if len(got) != 2 || got[0] != ConsultationCreated || got[1] != ConsultationValidated {
		t.Fatalf("types = %v", got)
	}
}
