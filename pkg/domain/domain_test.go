package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSenderKindRoleMapping(t *testing.T) {
	cases := map[SenderKind]Role{
		SenderSystem:    RoleSystem,
		SenderPatient:   RoleUser,
		SenderAssistant: RoleAssistant,
		SenderDoctor:    RoleDoctorMsg,
		SenderKind(42):  RoleSystem,
	}
	for kind, want := range cases {
		if got := kind.Role(); got != want {
			t.Fatalf("%v.Role() = %q, want %q", kind, got, want)
		}
	}
}

func TestSenderKindJSON(t *testing.T) {
	msg := ChatMessage{ID: 1, Sender: SenderDoctor, Content: "ok"}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ChatMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Sender != SenderDoctor {
		t.Fatalf("sender = %v, want DOCTOR", decoded.Sender)
	}
	if err := json.Unmarshal([]byte(`{"sender":"ROBOT"}`), &decoded); err == nil {
		t.Fatal("expected error for unknown sender")
	}
	if kind, ok := ParseSenderKind("user"); !ok || kind != SenderPatient {
		t.Fatalf("legacy USER sender should parse as patient, got %v %v", kind, ok)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	if !errors.Is(ErrAlreadyCancelled, ErrConflict) {
		t.Fatal("already cancelled should be a conflict")
	}
	if !errors.Is(ErrEmptyHistory, ErrInvalidState) {
		t.Fatal("empty history should be an invalid state")
	}
	if errors.Is(ErrNoHypotheses, ErrNotFound) {
		t.Fatal("no hypotheses must not read as not found")
	}
}

func TestParseConsultationState(t *testing.T) {
	if s, err := ParseConsultationState(" needs_followup "); err != nil || s != StateNeedsFollowUp {
		t.Fatalf("got %q %v", s, err)
	}
	if _, err := ParseConsultationState("EN_COURS"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestNewDiagnosisRecordKeepsCreationOrder(t *testing.T) {
	c := Consultation{ID: 7, PatientID: 2, DoctorID: 1, Diagnosis: "caries"}
	hyps := []Hypothesis{
		{ID: 1, Condition: "pulpitis", Confidence: 40},
		{ID: 2, Condition: "caries", Confidence: 90},
	}
	rec := NewDiagnosisRecord(c, hyps)
	if rec.Hypotheses[0].Condition != "pulpitis" || rec.Hypotheses[1].Confidence != 90 {
		t.Fatalf("unexpected order: %+v", rec.Hypotheses)
	}
	if rec.Hypotheses[2] != (Condition{}) {
		t.Fatalf("empty slot should be zero, got %+v", rec.Hypotheses[2])
	}
}
