package report

import (
	"bytes"
	"testing"
	"time"

	"medconsult/pkg/domain"
)

func TestRenderProducesPDF(t *testing.T) {
	out, err := Render(Input{
		Consultation: domain.Consultation{ID: 3, PatientID: 5, DoctorID: 1, Diagnosis: "Pulpite aiguë", State: domain.StateValidated},
		Patient:      domain.Patient{ID: 5, FullName: "Ana"},
		Doctor:       domain.Doctor{ID: 1, FullName: "Dr. Reyes"},
		Symptoms:     []domain.Symptom{{Label: "toothache"}},
		Hypotheses:   []domain.Hypothesis{{Condition: "pulpitis", Confidence: 80}},
		TxHash:       "abc123",
		GeneratedAt:  time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-")) {
		t.Fatalf("output is not a pdf: %q", out[:min(len(out), 16)])
	}
}

func TestRenderHandlesEmptyConsultation(t *testing.T) {
	if _, err := Render(Input{}); err != nil {
		t.Fatalf("render empty: %v", err)
	}
}
