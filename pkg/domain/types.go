package domain

import (
	"fmt"
	"strings"
	"time"
)

// SlotDuration is the length of every appointment.
const SlotDuration = time.Hour

// LedgerHypothesisSlots is the number of hypotheses forwarded to the ledger.
const LedgerHypothesisSlots = 3

type ConsultationState string

const (
	StateInProgress     ConsultationState = "IN_PROGRESS"
	StateAwaitingReview ConsultationState = "AWAITING_REVIEW"
	StateValidated      ConsultationState = "VALIDATED"
	StateNeedsFollowUp  ConsultationState = "NEEDS_FOLLOWUP"
)

// ParseConsultationState accepts state names case-insensitively.
func ParseConsultationState(raw string) (ConsultationState, error) {
	switch s := ConsultationState(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StateInProgress, StateAwaitingReview, StateValidated, StateNeedsFollowUp:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown consultation state %q", ErrInvalidInput, raw)
}

type AppointmentState string

const (
	AppointmentPlanned   AppointmentState = "PLANNED"
	AppointmentCompleted AppointmentState = "COMPLETED"
	AppointmentCancelled AppointmentState = "CANCELLED"
)

// LiveAppointmentStates are the states that occupy a doctor's calendar.
var LiveAppointmentStates = []AppointmentState{AppointmentPlanned, AppointmentCompleted}

type UserRole string

const (
	RolePatient UserRole = "patient"
	RoleDoctor  UserRole = "doctor"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID int64
	Role   UserRole
}

type Consultation struct {
	ID            int64             `json:"id"`
	CreatedAt     time.Time         `json:"createdAt"`
	Diagnosis     string            `json:"diagnosis"`
	ChatSummary   string            `json:"chatSummary"`
	DoctorNote    string            `json:"doctorNote"`
	State         ConsultationState `json:"state"`
	AdminFeeCents int64             `json:"adminFeeCents"`
	PriceCents    int64             `json:"priceCents"`
	DoctorID      int64             `json:"doctorId"`
	PatientID     int64             `json:"patientId"`
}

type ChatMessage struct {
	ID             int64      `json:"id"`
	ConsultationID int64      `json:"consultationId"`
	Content        string     `json:"content"`
	Sender         SenderKind `json:"sender"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type Symptom struct {
	ID             int64  `json:"id"`
	Label          string `json:"label"`
	UserID         int64  `json:"userId"`
	ConsultationID int64  `json:"consultationId"`
}

type Hypothesis struct {
	ID             int64  `json:"id"`
	Condition      string `json:"condition"`
	Confidence     int    `json:"confidence"`
	ConsultationID int64  `json:"consultationId"`
}

type Appointment struct {
	ID             int64            `json:"id"`
	CreatedAt      time.Time        `json:"createdAt"`
	StartsAt       time.Time        `json:"startsAt"`
	State          AppointmentState `json:"state"`
	ConsultationID int64            `json:"consultationId"`
	DoctorID       int64            `json:"doctorId"`
}

// EndsAt returns the exclusive end of the appointment's slot.
func (a Appointment) EndsAt() time.Time {
	return a.StartsAt.Add(SlotDuration)
}

type Doctor struct {
	ID        int64     `json:"id"`
	FullName  string    `json:"fullName"`
	Specialty string    `json:"specialty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Patient struct {
	ID        int64     `json:"id"`
	FullName  string    `json:"fullName"`
	BirthDate time.Time `json:"birthDate,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Condition is a condition label with an integer confidence, as produced by
// extraction and recorded on the ledger.
type Condition struct {
	Condition  string `json:"condition"`
	Confidence int    `json:"confidence"`
}

// Extraction is the combined result of summarising a finished chat.
type Extraction struct {
	Summary    string      `json:"summary"`
	Symptoms   []string    `json:"symptoms"`
	Conditions []Condition `json:"conditions"`
}

// DiagnosisRecord is the ledger's copy of a reviewed consultation. Unused
// hypothesis slots hold an empty condition and zero confidence.
type DiagnosisRecord struct {
	ConsultationID int64                            `json:"consultationId"`
	PatientID      int64                            `json:"patientId"`
	DoctorID       int64                            `json:"doctorId"`
	Diagnosis      string                           `json:"diagnosis"`
	Hypotheses     [LedgerHypothesisSlots]Condition `json:"hypotheses"`
}

// NewDiagnosisRecord builds the ledger record for a consultation from its
// hypotheses in creation order.
func NewDiagnosisRecord(c Consultation, hypotheses []Hypothesis) DiagnosisRecord {
	rec := DiagnosisRecord{
		ConsultationID: c.ID,
		PatientID:      c.PatientID,
		DoctorID:       c.DoctorID,
		Diagnosis:      c.Diagnosis,
	}
	for i := 0; i < len(hypotheses) && i < LedgerHypothesisSlots; i++ {
		rec.Hypotheses[i] = Condition{Condition: hypotheses[i].Condition, Confidence: hypotheses[i].Confidence}
	}
	return rec
}

type OutboxStatus string

const (
	OutboxPending  OutboxStatus = "pending"
	OutboxDone     OutboxStatus = "done"
	OutboxRejected OutboxStatus = "rejected"
	OutboxFailed   OutboxStatus = "failed"
)

// OutboxEntry tracks the ledger write owed for a reviewed consultation.
type OutboxEntry struct {
	ConsultationID int64           `json:"consultationId"`
	Status         OutboxStatus    `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	TxHash         string          `json:"txHash,omitempty"`
	Record         DiagnosisRecord `json:"record"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
