package store

import (
	"context"
	"time"

	"medconsult/pkg/domain"
)

// ConsultationFilter narrows consultation listings. Zero values match all.
type ConsultationFilter struct {
	PatientID int64
	DoctorID  int64
	State     domain.ConsultationState
}

// Reader holds the lookups shared by the store and its transactions.
// Lookups return (value, found, err); a missing row is not an error.
type Reader interface {
	GetConsultation(ctx context.Context, id int64) (domain.Consultation, bool, error)
	ListConsultations(ctx context.Context, filter ConsultationFilter) ([]domain.Consultation, error)
	ListMessages(ctx context.Context, consultationID int64) ([]domain.ChatMessage, error)
	ListSymptoms(ctx context.Context, consultationID int64) ([]domain.Symptom, error)
	ListHypotheses(ctx context.Context, consultationID int64) ([]domain.Hypothesis, error)

	GetAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error)
	ListAppointmentsByConsultation(ctx context.Context, consultationID int64) ([]domain.Appointment, error)
	// ListOverlappingAppointments returns the doctor's appointments in one of
	// states whose slot intersects [start, end).
	ListOverlappingAppointments(ctx context.Context, doctorID int64, start, end time.Time, states []domain.AppointmentState) ([]domain.Appointment, error)

	GetPatient(ctx context.Context, id int64) (domain.Patient, bool, error)
	GetDoctor(ctx context.Context, id int64) (domain.Doctor, bool, error)
	// ResolveDoctor returns the doctor with the given id, or the lowest-id
	// doctor when id is zero.
	ResolveDoctor(ctx context.Context, id int64) (domain.Doctor, bool, error)
}

// Tx is a unit of work. Lock* methods take row locks held until commit.
type Tx interface {
	Reader

	LockConsultation(ctx context.Context, id int64) (domain.Consultation, bool, error)
	LockAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error)
	// LockDoctorCalendar serializes bookings against one doctor.
	LockDoctorCalendar(ctx context.Context, doctorID int64) error

	CreateConsultation(ctx context.Context, c *domain.Consultation) error
	UpdateConsultation(ctx context.Context, c domain.Consultation) error
	// AppendMessages inserts msgs in order, assigning increasing ids.
	AppendMessages(ctx context.Context, msgs ...*domain.ChatMessage) error
	CreateSymptoms(ctx context.Context, symptoms []domain.Symptom) error
	CreateHypotheses(ctx context.Context, hypotheses []domain.Hypothesis) error
	CreateAppointment(ctx context.Context, a *domain.Appointment) error
	UpdateAppointment(ctx context.Context, a domain.Appointment) error
	InsertOutbox(ctx context.Context, entry domain.OutboxEntry) error
}

// OutboxStore persists ledger outbox rows outside of review transactions.
type OutboxStore interface {
	GetOutbox(ctx context.Context, consultationID int64) (domain.OutboxEntry, bool, error)
	ListOutbox(ctx context.Context, status domain.OutboxStatus, updatedBefore time.Time, limit int) ([]domain.OutboxEntry, error)
	SaveOutbox(ctx context.Context, entry domain.OutboxEntry) error
	// UpdateOutbox writes entry only if the stored row still has prevStatus
	// and prevAttempts. It reports false when another writer got there first.
	UpdateOutbox(ctx context.Context, entry domain.OutboxEntry, prevStatus domain.OutboxStatus, prevAttempts int) (bool, error)
	// TouchOutbox bumps updated_at so the relay does not pick the row again
	// before relayAfter elapses.
	TouchOutbox(ctx context.Context, consultationID int64, at time.Time) error
}

// Store is the persistence port of the consultation service.
type Store interface {
	Reader
	OutboxStore

	WithTx(ctx context.Context, fn func(tx Tx) error) error

	SavePatient(ctx context.Context, p domain.Patient) error
	SaveDoctor(ctx context.Context, d domain.Doctor) error
}
