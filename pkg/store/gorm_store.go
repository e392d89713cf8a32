package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"medconsult/internal/gormdb"
	"medconsult/pkg/domain"
)

const migrateLockID int64 = 51726011

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gormdb.OpenMigrated(dsn, migrateLockID, migrate)
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&DoctorModel{}, &PatientModel{}, &ConsultationModel{}, &ChatMessageModel{},
		&SymptomModel{}, &HypothesisModel{}, &AppointmentModel{}, &LedgerOutboxModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// One PLANNED appointment per consultation at most, whatever the booking policy.
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS ux_appointment_consultation_planned
		ON appointment_models (consultation_id) WHERE state = 'PLANNED'
	`).Error; err != nil {
		return fmt.Errorf("ensure planned appointment index: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'chat_message_models'
				AND constraint_name = 'chat_message_models_consultation_id_fkey'
			) THEN
				ALTER TABLE chat_message_models
				ADD CONSTRAINT chat_message_models_consultation_id_fkey
				FOREIGN KEY (consultation_id) REFERENCES consultation_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'appointment_models'
				AND constraint_name = 'appointment_models_consultation_id_fkey'
			) THEN
				ALTER TABLE appointment_models
				ADD CONSTRAINT appointment_models_consultation_id_fkey
				FOREIGN KEY (consultation_id) REFERENCES consultation_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure consultation foreign keys: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a database transaction. Returning an error rolls back.
func (s *GormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{gormReader{db: tx}})
	})
}

// SavePatient registers or updates a patient record.
func (s *GormStore) SavePatient(ctx context.Context, p domain.Patient) error {
	model := patientToModel(p)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"full_name", "birth_date"}),
	}).Create(&model).Error
}

// SaveDoctor registers or updates a doctor record.
func (s *GormStore) SaveDoctor(ctx context.Context, d domain.Doctor) error {
	model := doctorToModel(d)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"full_name", "specialty"}),
	}).Create(&model).Error
}

// GetConsultation and the other Reader methods run outside a transaction.
func (s *GormStore) GetConsultation(ctx context.Context, id int64) (domain.Consultation, bool, error) {
	return s.reader().GetConsultation(ctx, id)
}

func (s *GormStore) ListConsultations(ctx context.Context, filter ConsultationFilter) ([]domain.Consultation, error) {
	return s.reader().ListConsultations(ctx, filter)
}

func (s *GormStore) ListMessages(ctx context.Context, consultationID int64) ([]domain.ChatMessage, error) {
	return s.reader().ListMessages(ctx, consultationID)
}

func (s *GormStore) ListSymptoms(ctx context.Context, consultationID int64) ([]domain.Symptom, error) {
	return s.reader().ListSymptoms(ctx, consultationID)
}

func (s *GormStore) ListHypotheses(ctx context.Context, consultationID int64) ([]domain.Hypothesis, error) {
	return s.reader().ListHypotheses(ctx, consultationID)
}

func (s *GormStore) GetAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error) {
	return s.reader().GetAppointment(ctx, id)
}

func (s *GormStore) ListAppointmentsByConsultation(ctx context.Context, consultationID int64) ([]domain.Appointment, error) {
	return s.reader().ListAppointmentsByConsultation(ctx, consultationID)
}

func (s *GormStore) ListOverlappingAppointments(ctx context.Context, doctorID int64, start, end time.Time, states []domain.AppointmentState) ([]domain.Appointment, error) {
	return s.reader().ListOverlappingAppointments(ctx, doctorID, start, end, states)
}

func (s *GormStore) GetPatient(ctx context.Context, id int64) (domain.Patient, bool, error) {
	return s.reader().GetPatient(ctx, id)
}

func (s *GormStore) GetDoctor(ctx context.Context, id int64) (domain.Doctor, bool, error) {
	return s.reader().GetDoctor(ctx, id)
}

func (s *GormStore) ResolveDoctor(ctx context.Context, id int64) (domain.Doctor, bool, error) {
	return s.reader().ResolveDoctor(ctx, id)
}

func (s *GormStore) reader() gormReader {
	return gormReader{db: s.db}
}

// GetOutbox returns the outbox row of a consultation.
func (s *GormStore) GetOutbox(ctx context.Context, consultationID int64) (domain.OutboxEntry, bool, error) {
	var model LedgerOutboxModel
	if err := s.db.WithContext(ctx).First(&model, "consultation_id = ?", consultationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.OutboxEntry{}, false, nil
		}
		return domain.OutboxEntry{}, false, err
	}
	entry, err := outboxFromModel(model)
	if err != nil {
		return domain.OutboxEntry{}, false, err
	}
	return entry, true, nil
}

// ListOutbox lists rows with status last updated before updatedBefore, oldest
// first. A zero updatedBefore or empty status disables that filter.
func (s *GormStore) ListOutbox(ctx context.Context, status domain.OutboxStatus, updatedBefore time.Time, limit int) ([]domain.OutboxEntry, error) {
	tx := s.db.WithContext(ctx).Order("updated_at ASC")
	if status != "" {
		tx = tx.Where("status = ?", string(status))
	}
	if !updatedBefore.IsZero() {
		tx = tx.Where("updated_at < ?", updatedBefore)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var models []LedgerOutboxModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.OutboxEntry, 0, len(models))
	for _, m := range models {
		entry, err := outboxFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, nil
}

// SaveOutbox overwrites the mutable fields of an outbox row.
func (s *GormStore) SaveOutbox(ctx context.Context, entry domain.OutboxEntry) error {
	model, err := outboxToModel(entry)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "consultation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "attempts", "last_error", "tx_hash", "payload", "updated_at"}),
	}).Create(&model).Error
}

// UpdateOutbox is a compare-and-set on (status, attempts). The payload is
// never rewritten here.
func (s *GormStore) UpdateOutbox(ctx context.Context, entry domain.OutboxEntry, prevStatus domain.OutboxStatus, prevAttempts int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&LedgerOutboxModel{}).
		Where("consultation_id = ? AND status = ? AND attempts = ?", entry.ConsultationID, string(prevStatus), prevAttempts).
		Updates(map[string]any{
			"status":     string(entry.Status),
			"attempts":   entry.Attempts,
			"last_error": entry.LastError,
			"tx_hash":    entry.TxHash,
			"updated_at": entry.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) TouchOutbox(ctx context.Context, consultationID int64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&LedgerOutboxModel{}).
		Where("consultation_id = ?", consultationID).
		Update("updated_at", at.UTC()).Error
}

type gormReader struct {
	db *gorm.DB
}

func (r gormReader) GetConsultation(ctx context.Context, id int64) (domain.Consultation, bool, error) {
	var model ConsultationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Consultation{}, false, nil
		}
		return domain.Consultation{}, false, err
	}
	return consultationFromModel(model), true, nil
}

func (r gormReader) ListConsultations(ctx context.Context, filter ConsultationFilter) ([]domain.Consultation, error) {
	tx := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if filter.PatientID != 0 {
		tx = tx.Where("patient_id = ?", filter.PatientID)
	}
	if filter.DoctorID != 0 {
		tx = tx.Where("doctor_id = ?", filter.DoctorID)
	}
	if filter.State != "" {
		tx = tx.Where("state = ?", string(filter.State))
	}
	var models []ConsultationModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Consultation, 0, len(models))
	for _, m := range models {
		res = append(res, consultationFromModel(m))
	}
	return res, nil
}

func (r gormReader) ListMessages(ctx context.Context, consultationID int64) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	if err := r.db.WithContext(ctx).
		Where("consultation_id = ?", consultationID).
		Order("created_at ASC").Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

func (r gormReader) ListSymptoms(ctx context.Context, consultationID int64) ([]domain.Symptom, error) {
	var models []SymptomModel
	if err := r.db.WithContext(ctx).Where("consultation_id = ?", consultationID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Symptom, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Symptom{ID: m.ID, Label: m.Label, UserID: m.UserID, ConsultationID: m.ConsultationID})
	}
	return res, nil
}

func (r gormReader) ListHypotheses(ctx context.Context, consultationID int64) ([]domain.Hypothesis, error) {
	var models []HypothesisModel
	if err := r.db.WithContext(ctx).Where("consultation_id = ?", consultationID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Hypothesis, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Hypothesis{ID: m.ID, Condition: m.Condition, Confidence: m.Confidence, ConsultationID: m.ConsultationID})
	}
	return res, nil
}

func (r gormReader) GetAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error) {
	var model AppointmentModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Appointment{}, false, nil
		}
		return domain.Appointment{}, false, err
	}
	return appointmentFromModel(model), true, nil
}

func (r gormReader) ListAppointmentsByConsultation(ctx context.Context, consultationID int64) ([]domain.Appointment, error) {
	var models []AppointmentModel
	if err := r.db.WithContext(ctx).Where("consultation_id = ?", consultationID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return appointmentsFromModels(models), nil
}

func (r gormReader) ListOverlappingAppointments(ctx context.Context, doctorID int64, start, end time.Time, states []domain.AppointmentState) ([]domain.Appointment, error) {
	tx := r.db.WithContext(ctx).
		Where("doctor_id = ?", doctorID).
		Where("starts_at < ? AND ends_at > ?", end.UTC(), start.UTC()).
		Order("starts_at ASC").Order("id ASC")
	if len(states) > 0 {
		names := make([]string, 0, len(states))
		for _, st := range states {
			names = append(names, string(st))
		}
		tx = tx.Where("state IN ?", names)
	}
	var models []AppointmentModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return appointmentsFromModels(models), nil
}

func (r gormReader) GetPatient(ctx context.Context, id int64) (domain.Patient, bool, error) {
	var model PatientModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Patient{}, false, nil
		}
		return domain.Patient{}, false, err
	}
	return patientFromModel(model), true, nil
}

func (r gormReader) GetDoctor(ctx context.Context, id int64) (domain.Doctor, bool, error) {
	var model DoctorModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Doctor{}, false, nil
		}
		return domain.Doctor{}, false, err
	}
	return doctorFromModel(model), true, nil
}

func (r gormReader) ResolveDoctor(ctx context.Context, id int64) (domain.Doctor, bool, error) {
	if id != 0 {
		return r.GetDoctor(ctx, id)
	}
	var model DoctorModel
	if err := r.db.WithContext(ctx).Order("id ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Doctor{}, false, nil
		}
		return domain.Doctor{}, false, err
	}
	return doctorFromModel(model), true, nil
}

type gormTx struct {
	gormReader
}

func (t *gormTx) locking(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) LockConsultation(ctx context.Context, id int64) (domain.Consultation, bool, error) {
	var model ConsultationModel
	if err := t.locking(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Consultation{}, false, nil
		}
		return domain.Consultation{}, false, err
	}
	return consultationFromModel(model), true, nil
}

func (t *gormTx) LockAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error) {
	var model AppointmentModel
	if err := t.locking(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Appointment{}, false, nil
		}
		return domain.Appointment{}, false, err
	}
	return appointmentFromModel(model), true, nil
}

func (t *gormTx) LockDoctorCalendar(ctx context.Context, doctorID int64) error {
	var model DoctorModel
	if err := t.locking(ctx).Select("id").First(&model, "id = ?", doctorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("doctor %d: %w", doctorID, domain.ErrNotFound)
		}
		return err
	}
	return nil
}

func (t *gormTx) CreateConsultation(ctx context.Context, c *domain.Consultation) error {
	model := consultationToModel(*c)
	if err := t.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	c.ID = model.ID
	c.CreatedAt = model.CreatedAt
	return nil
}

func (t *gormTx) UpdateConsultation(ctx context.Context, c domain.Consultation) error {
	return t.db.WithContext(ctx).Model(&ConsultationModel{}).
		Where("id = ?", c.ID).
		Updates(map[string]any{
			"diagnosis":    c.Diagnosis,
			"chat_summary": c.ChatSummary,
			"doctor_note":  c.DoctorNote,
			"state":        string(c.State),
		}).Error
}

func (t *gormTx) AppendMessages(ctx context.Context, msgs ...*domain.ChatMessage) error {
	for _, msg := range msgs {
		model := messageToModel(*msg)
		if err := t.db.WithContext(ctx).Create(&model).Error; err != nil {
			return err
		}
		msg.ID = model.ID
		msg.CreatedAt = model.CreatedAt
	}
	return nil
}

func (t *gormTx) CreateSymptoms(ctx context.Context, symptoms []domain.Symptom) error {
	if len(symptoms) == 0 {
		return nil
	}
	models := make([]SymptomModel, 0, len(symptoms))
	for _, s := range symptoms {
		models = append(models, SymptomModel{Label: s.Label, UserID: s.UserID, ConsultationID: s.ConsultationID})
	}
	return t.db.WithContext(ctx).Create(&models).Error
}

// CreateHypotheses inserts in slice order so ids follow creation order.
func (t *gormTx) CreateHypotheses(ctx context.Context, hypotheses []domain.Hypothesis) error {
	if len(hypotheses) == 0 {
		return nil
	}
	models := make([]HypothesisModel, 0, len(hypotheses))
	for _, h := range hypotheses {
		models = append(models, HypothesisModel{Condition: h.Condition, Confidence: h.Confidence, ConsultationID: h.ConsultationID})
	}
	return t.db.WithContext(ctx).Create(&models).Error
}

func (t *gormTx) CreateAppointment(ctx context.Context, a *domain.Appointment) error {
	model := appointmentToModel(*a)
	if err := t.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("consultation %d already has a planned appointment: %w", a.ConsultationID, domain.ErrConflict)
		}
		return err
	}
	a.ID = model.ID
	a.CreatedAt = model.CreatedAt
	return nil
}

func (t *gormTx) UpdateAppointment(ctx context.Context, a domain.Appointment) error {
	return t.db.WithContext(ctx).Model(&AppointmentModel{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"starts_at": a.StartsAt.UTC(),
			"ends_at":   a.EndsAt().UTC(),
			"state":     string(a.State),
		}).Error
}

func (t *gormTx) InsertOutbox(ctx context.Context, entry domain.OutboxEntry) error {
	model, err := outboxToModel(entry)
	if err != nil {
		return err
	}
	if err := t.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("outbox entry %d: %w", entry.ConsultationID, domain.ErrConflict)
		}
		return err
	}
	return nil
}

func consultationToModel(c domain.Consultation) ConsultationModel {
	return ConsultationModel{
		ID:            c.ID,
		CreatedAt:     c.CreatedAt.UTC(),
		Diagnosis:     c.Diagnosis,
		ChatSummary:   c.ChatSummary,
		DoctorNote:    c.DoctorNote,
		State:         string(c.State),
		AdminFeeCents: c.AdminFeeCents,
		PriceCents:    c.PriceCents,
		DoctorID:      c.DoctorID,
		PatientID:     c.PatientID,
	}
}

func consultationFromModel(m ConsultationModel) domain.Consultation {
	return domain.Consultation{
		ID:            m.ID,
		CreatedAt:     m.CreatedAt.UTC(),
		Diagnosis:     m.Diagnosis,
		ChatSummary:   m.ChatSummary,
		DoctorNote:    m.DoctorNote,
		State:         domain.ConsultationState(m.State),
		AdminFeeCents: m.AdminFeeCents,
		PriceCents:    m.PriceCents,
		DoctorID:      m.DoctorID,
		PatientID:     m.PatientID,
	}
}

func messageToModel(msg domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:             msg.ID,
		ConsultationID: msg.ConsultationID,
		Content:        msg.Content,
		Sender:         msg.Sender.String(),
		CreatedAt:      msg.CreatedAt.UTC(),
	}
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	// Unknown stored senders fall back to SYSTEM, which maps to the system role.
	sender, _ := domain.ParseSenderKind(m.Sender)
	return domain.ChatMessage{
		ID:             m.ID,
		ConsultationID: m.ConsultationID,
		Content:        m.Content,
		Sender:         sender,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}

func appointmentToModel(a domain.Appointment) AppointmentModel {
	return AppointmentModel{
		ID:             a.ID,
		CreatedAt:      a.CreatedAt.UTC(),
		StartsAt:       a.StartsAt.UTC(),
		EndsAt:         a.EndsAt().UTC(),
		State:          string(a.State),
		ConsultationID: a.ConsultationID,
		DoctorID:       a.DoctorID,
	}
}

func appointmentFromModel(m AppointmentModel) domain.Appointment {
	return domain.Appointment{
		ID:             m.ID,
		CreatedAt:      m.CreatedAt.UTC(),
		StartsAt:       m.StartsAt.UTC(),
		State:          domain.AppointmentState(m.State),
		ConsultationID: m.ConsultationID,
		DoctorID:       m.DoctorID,
	}
}

func appointmentsFromModels(models []AppointmentModel) []domain.Appointment {
	res := make([]domain.Appointment, 0, len(models))
	for _, m := range models {
		res = append(res, appointmentFromModel(m))
	}
	return res
}

func doctorToModel(d domain.Doctor) DoctorModel {
	return DoctorModel{ID: d.ID, FullName: d.FullName, Specialty: d.Specialty, CreatedAt: d.CreatedAt.UTC()}
}

func doctorFromModel(m DoctorModel) domain.Doctor {
	return domain.Doctor{ID: m.ID, FullName: m.FullName, Specialty: m.Specialty, CreatedAt: m.CreatedAt.UTC()}
}

func patientToModel(p domain.Patient) PatientModel {
	model := PatientModel{ID: p.ID, FullName: p.FullName, CreatedAt: p.CreatedAt.UTC()}
	if !p.BirthDate.IsZero() {
		bd := p.BirthDate.UTC()
		model.BirthDate = &bd
	}
	return model
}

func patientFromModel(m PatientModel) domain.Patient {
	p := domain.Patient{ID: m.ID, FullName: m.FullName, CreatedAt: m.CreatedAt.UTC()}
	if m.BirthDate != nil {
		p.BirthDate = m.BirthDate.UTC()
	}
	return p
}

func outboxToModel(e domain.OutboxEntry) (LedgerOutboxModel, error) {
	payload, err := json.Marshal(e.Record)
	if err != nil {
		return LedgerOutboxModel{}, fmt.Errorf("encode outbox payload: %w", err)
	}
	return LedgerOutboxModel{
		ConsultationID: e.ConsultationID,
		Status:         string(e.Status),
		Attempts:       e.Attempts,
		LastError:      e.LastError,
		TxHash:         e.TxHash,
		Payload:        payload,
		CreatedAt:      e.CreatedAt.UTC(),
		UpdatedAt:      e.UpdatedAt.UTC(),
	}, nil
}

func outboxFromModel(m LedgerOutboxModel) (domain.OutboxEntry, error) {
	entry := domain.OutboxEntry{
		ConsultationID: m.ConsultationID,
		Status:         domain.OutboxStatus(m.Status),
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		TxHash:         m.TxHash,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &entry.Record); err != nil {
			return domain.OutboxEntry{}, fmt.Errorf("decode outbox payload %d: %w", m.ConsultationID, err)
		}
	}
	return entry, nil
}
