package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"medconsult/pkg/domain"
)

// MemoryStore is an in-process Store. Transactions are serialized by a single
// mutex and applied to a copy that replaces the live data on commit.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
	now  func() time.Time
}

type memData struct {
	seq           int64
	doctors       map[int64]domain.Doctor
	patients      map[int64]domain.Patient
	consultations map[int64]domain.Consultation
	messages      []domain.ChatMessage
	symptoms      []domain.Symptom
	hypotheses    []domain.Hypothesis
	appointments  map[int64]domain.Appointment
	outbox        map[int64]domain.OutboxEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			doctors:       map[int64]domain.Doctor{},
			patients:      map[int64]domain.Patient{},
			consultations: map[int64]domain.Consultation{},
			appointments:  map[int64]domain.Appointment{},
			outbox:        map[int64]domain.OutboxEntry{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		seq:           d.seq,
		doctors:       make(map[int64]domain.Doctor, len(d.doctors)),
		patients:      make(map[int64]domain.Patient, len(d.patients)),
		consultations: make(map[int64]domain.Consultation, len(d.consultations)),
		messages:      append([]domain.ChatMessage(nil), d.messages...),
		symptoms:      append([]domain.Symptom(nil), d.symptoms...),
		hypotheses:    append([]domain.Hypothesis(nil), d.hypotheses...),
		appointments:  make(map[int64]domain.Appointment, len(d.appointments)),
		outbox:        make(map[int64]domain.OutboxEntry, len(d.outbox)),
	}
	for k, v := range d.doctors {
		c.doctors[k] = v
	}
	for k, v := range d.patients {
		c.patients[k] = v
	}
	for k, v := range d.consultations {
		c.consultations[k] = v
	}
	for k, v := range d.appointments {
		c.appointments[k] = v
	}
	for k, v := range d.outbox {
		c.outbox[k] = v
	}
	return c
}

func (d *memData) nextID() int64 {
	d.seq++
	return d.seq
}

// WithTx runs fn against a private copy and publishes it when fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.data.clone()
	if err := fn(&memTx{memReader{data: working}, s.now}); err != nil {
		return err
	}
	s.data = working
	return nil
}

func (s *MemoryStore) read() memReader {
	return memReader{data: s.data}
}

func (s *MemoryStore) SavePatient(_ context.Context, p domain.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.data.patients[p.ID] = p
	return nil
}

func (s *MemoryStore) SaveDoctor(_ context.Context, d domain.Doctor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	s.data.doctors[d.ID] = d
	return nil
}

func (s *MemoryStore) GetConsultation(ctx context.Context, id int64) (domain.Consultation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetConsultation(ctx, id)
}

func (s *MemoryStore) ListConsultations(ctx context.Context, filter ConsultationFilter) ([]domain.Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListConsultations(ctx, filter)
}

func (s *MemoryStore) ListMessages(ctx context.Context, consultationID int64) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListMessages(ctx, consultationID)
}

func (s *MemoryStore) ListSymptoms(ctx context.Context, consultationID int64) ([]domain.Symptom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListSymptoms(ctx, consultationID)
}

func (s *MemoryStore) ListHypotheses(ctx context.Context, consultationID int64) ([]domain.Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListHypotheses(ctx, consultationID)
}

func (s *MemoryStore) GetAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetAppointment(ctx, id)
}

func (s *MemoryStore) ListAppointmentsByConsultation(ctx context.Context, consultationID int64) ([]domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListAppointmentsByConsultation(ctx, consultationID)
}

func (s *MemoryStore) ListOverlappingAppointments(ctx context.Context, doctorID int64, start, end time.Time, states []domain.AppointmentState) ([]domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListOverlappingAppointments(ctx, doctorID, start, end, states)
}

func (s *MemoryStore) GetPatient(ctx context.Context, id int64) (domain.Patient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetPatient(ctx, id)
}

func (s *MemoryStore) GetDoctor(ctx context.Context, id int64) (domain.Doctor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetDoctor(ctx, id)
}

func (s *MemoryStore) ResolveDoctor(ctx context.Context, id int64) (domain.Doctor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ResolveDoctor(ctx, id)
}

func (s *MemoryStore) GetOutbox(_ context.Context, consultationID int64) (domain.OutboxEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data.outbox[consultationID]
	return entry, ok, nil
}

func (s *MemoryStore) ListOutbox(_ context.Context, status domain.OutboxStatus, updatedBefore time.Time, limit int) ([]domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.OutboxEntry, 0)
	for _, entry := range s.data.outbox {
		if status != "" && entry.Status != status {
			continue
		}
		if !updatedBefore.IsZero() && !entry.UpdatedAt.Before(updatedBefore) {
			continue
		}
		res = append(res, entry)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].UpdatedAt.Before(res[j].UpdatedAt)
		}
		return res[i].ConsultationID < res[j].ConsultationID
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *MemoryStore) SaveOutbox(_ context.Context, entry domain.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data.outbox[entry.ConsultationID]; ok && entry.CreatedAt.IsZero() {
		entry.CreatedAt = existing.CreatedAt
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = s.now()
	}
	s.data.outbox[entry.ConsultationID] = entry
	return nil
}

func (s *MemoryStore) UpdateOutbox(_ context.Context, entry domain.OutboxEntry, prevStatus domain.OutboxStatus, prevAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.data.outbox[entry.ConsultationID]
	if !ok || existing.Status != prevStatus || existing.Attempts != prevAttempts {
		return false, nil
	}
	entry.CreatedAt = existing.CreatedAt
	entry.Record = existing.Record
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = s.now()
	}
	s.data.outbox[entry.ConsultationID] = entry
	return true, nil
}

func (s *MemoryStore) TouchOutbox(_ context.Context, consultationID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data.outbox[consultationID]
	if !ok {
		return nil
	}
	entry.UpdatedAt = at.UTC()
	s.data.outbox[consultationID] = entry
	return nil
}

type memReader struct {
	data *memData
}

func (r memReader) GetConsultation(_ context.Context, id int64) (domain.Consultation, bool, error) {
	c, ok := r.data.consultations[id]
	return c, ok, nil
}

func (r memReader) ListConsultations(_ context.Context, filter ConsultationFilter) ([]domain.Consultation, error) {
	res := make([]domain.Consultation, 0)
	for _, c := range r.data.consultations {
		if filter.PatientID != 0 && c.PatientID != filter.PatientID {
			continue
		}
		if filter.DoctorID != 0 && c.DoctorID != filter.DoctorID {
			continue
		}
		if filter.State != "" && c.State != filter.State {
			continue
		}
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	return res, nil
}

func (r memReader) ListMessages(_ context.Context, consultationID int64) ([]domain.ChatMessage, error) {
	res := make([]domain.ChatMessage, 0)
	for _, m := range r.data.messages {
		if m.ConsultationID == consultationID {
			res = append(res, m)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (r memReader) ListSymptoms(_ context.Context, consultationID int64) ([]domain.Symptom, error) {
	res := make([]domain.Symptom, 0)
	for _, s := range r.data.symptoms {
		if s.ConsultationID == consultationID {
			res = append(res, s)
		}
	}
	return res, nil
}

func (r memReader) ListHypotheses(_ context.Context, consultationID int64) ([]domain.Hypothesis, error) {
	res := make([]domain.Hypothesis, 0)
	for _, h := range r.data.hypotheses {
		if h.ConsultationID == consultationID {
			res = append(res, h)
		}
	}
	return res, nil
}

func (r memReader) GetAppointment(_ context.Context, id int64) (domain.Appointment, bool, error) {
	a, ok := r.data.appointments[id]
	return a, ok, nil
}

func (r memReader) ListAppointmentsByConsultation(_ context.Context, consultationID int64) ([]domain.Appointment, error) {
	res := make([]domain.Appointment, 0)
	for _, a := range r.data.appointments {
		if a.ConsultationID == consultationID {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (r memReader) ListOverlappingAppointments(_ context.Context, doctorID int64, start, end time.Time, states []domain.AppointmentState) ([]domain.Appointment, error) {
	res := make([]domain.Appointment, 0)
	for _, a := range r.data.appointments {
		if a.DoctorID != doctorID || !stateIn(a.State, states) {
			continue
		}
		if a.StartsAt.Before(end) && a.EndsAt().After(start) {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].StartsAt.Equal(res[j].StartsAt) {
			return res[i].StartsAt.Before(res[j].StartsAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func stateIn(state domain.AppointmentState, states []domain.AppointmentState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func (r memReader) GetPatient(_ context.Context, id int64) (domain.Patient, bool, error) {
	p, ok := r.data.patients[id]
	return p, ok, nil
}

func (r memReader) GetDoctor(_ context.Context, id int64) (domain.Doctor, bool, error) {
	d, ok := r.data.doctors[id]
	return d, ok, nil
}

func (r memReader) ResolveDoctor(ctx context.Context, id int64) (domain.Doctor, bool, error) {
	if id != 0 {
		return r.GetDoctor(ctx, id)
	}
	var (
		best  domain.Doctor
		found bool
	)
	for _, d := range r.data.doctors {
		if !found || d.ID < best.ID {
			best, found = d, true
		}
	}
	return best, found, nil
}

type memTx struct {
	memReader
	now func() time.Time
}

// The store-wide mutex held by WithTx already serializes every transaction,
// so the Lock* methods only look rows up.
func (t *memTx) LockConsultation(ctx context.Context, id int64) (domain.Consultation, bool, error) {
	return t.GetConsultation(ctx, id)
}

func (t *memTx) LockAppointment(ctx context.Context, id int64) (domain.Appointment, bool, error) {
	return t.GetAppointment(ctx, id)
}

func (t *memTx) LockDoctorCalendar(_ context.Context, doctorID int64) error {
	if _, ok := t.data.doctors[doctorID]; !ok {
		return fmt.Errorf("doctor %d: %w", doctorID, domain.ErrNotFound)
	}
	return nil
}

func (t *memTx) CreateConsultation(_ context.Context, c *domain.Consultation) error {
	c.ID = t.data.nextID()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.now()
	}
	t.data.consultations[c.ID] = *c
	return nil
}

func (t *memTx) UpdateConsultation(_ context.Context, c domain.Consultation) error {
	existing, ok := t.data.consultations[c.ID]
	if !ok {
		return fmt.Errorf("consultation %d: %w", c.ID, domain.ErrNotFound)
	}
	existing.Diagnosis = c.Diagnosis
	existing.ChatSummary = c.ChatSummary
	existing.DoctorNote = c.DoctorNote
	existing.State = c.State
	t.data.consultations[c.ID] = existing
	return nil
}

func (t *memTx) AppendMessages(_ context.Context, msgs ...*domain.ChatMessage) error {
	for _, msg := range msgs {
		msg.ID = t.data.nextID()
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = t.now()
		}
		t.data.messages = append(t.data.messages, *msg)
	}
	return nil
}

func (t *memTx) CreateSymptoms(_ context.Context, symptoms []domain.Symptom) error {
	for _, s := range symptoms {
		s.ID = t.data.nextID()
		t.data.symptoms = append(t.data.symptoms, s)
	}
	return nil
}

func (t *memTx) CreateHypotheses(_ context.Context, hypotheses []domain.Hypothesis) error {
	for _, h := range hypotheses {
		h.ID = t.data.nextID()
		t.data.hypotheses = append(t.data.hypotheses, h)
	}
	return nil
}

func (t *memTx) CreateAppointment(_ context.Context, a *domain.Appointment) error {
	if a.State == domain.AppointmentPlanned {
		for _, other := range t.data.appointments {
			if other.ConsultationID == a.ConsultationID && other.State == domain.AppointmentPlanned {
				return fmt.Errorf("consultation %d already has a planned appointment: %w", a.ConsultationID, domain.ErrConflict)
			}
		}
	}
	a.ID = t.data.nextID()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = t.now()
	}
	t.data.appointments[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, a domain.Appointment) error {
	existing, ok := t.data.appointments[a.ID]
	if !ok {
		return fmt.Errorf("appointment %d: %w", a.ID, domain.ErrNotFound)
	}
	existing.StartsAt = a.StartsAt
	existing.State = a.State
	t.data.appointments[a.ID] = existing
	return nil
}

func (t *memTx) InsertOutbox(_ context.Context, entry domain.OutboxEntry) error {
	if _, ok := t.data.outbox[entry.ConsultationID]; ok {
		return fmt.Errorf("outbox entry %d exists: %w", entry.ConsultationID, domain.ErrConflict)
	}
	now := t.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = now
	}
	t.data.outbox[entry.ConsultationID] = entry
	return nil
}
