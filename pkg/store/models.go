package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DoctorModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	FullName  string `gorm:"not null"`
	Specialty string
	CreatedAt time.Time `gorm:"not null"`
}

type PatientModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	FullName  string `gorm:"not null"`
	BirthDate *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

type ConsultationModel struct {
	ID            int64     `gorm:"primaryKey"`
	CreatedAt     time.Time `gorm:"not null"`
	Diagnosis     string    `gorm:"type:text"`
	ChatSummary   string    `gorm:"type:text"`
	DoctorNote    string    `gorm:"type:text"`
	State         string    `gorm:"not null;index"`
	AdminFeeCents int64     `gorm:"not null;default:0"`
	PriceCents    int64     `gorm:"not null;default:0"`
	DoctorID      int64     `gorm:"not null;index"`
	PatientID     int64     `gorm:"not null;index"`
}

type ChatMessageModel struct {
	ID             int64     `gorm:"primaryKey"`
	ConsultationID int64     `gorm:"not null;index:idx_chat_consultation_created,priority:1"`
	Content        string    `gorm:"type:text;not null"`
	Sender         string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;index:idx_chat_consultation_created,priority:2"`
}

type SymptomModel struct {
	ID             int64  `gorm:"primaryKey"`
	Label          string `gorm:"not null"`
	UserID         int64  `gorm:"not null;index"`
	ConsultationID int64  `gorm:"not null;index"`
}

type HypothesisModel struct {
	ID             int64  `gorm:"primaryKey"`
	Condition      string `gorm:"not null"`
	Confidence     int    `gorm:"not null"`
	ConsultationID int64  `gorm:"not null;index"`
}

type AppointmentModel struct {
	ID             int64     `gorm:"primaryKey"`
	CreatedAt      time.Time `gorm:"not null"`
	StartsAt       time.Time `gorm:"not null;index:idx_appointment_doctor_slot,priority:2"`
	EndsAt         time.Time `gorm:"not null"`
	State          string    `gorm:"not null;index"`
	ConsultationID int64     `gorm:"not null;index"`
	DoctorID       int64     `gorm:"not null;index:idx_appointment_doctor_slot,priority:1"`
}

type LedgerOutboxModel struct {
	ConsultationID int64          `gorm:"primaryKey;autoIncrement:false"`
	Status         string         `gorm:"not null;index:idx_outbox_status_updated,priority:1"`
	Attempts       int            `gorm:"not null;default:0"`
	LastError      string         `gorm:"type:text"`
	TxHash         string
	Payload        datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null;index:idx_outbox_status_updated,priority:2"`
}
