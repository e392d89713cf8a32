package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medconsult/pkg/domain"
	"medconsult/pkg/events"
	"medconsult/pkg/ledger"
	"medconsult/pkg/queue"
	"medconsult/pkg/storage"
	"medconsult/pkg/store"
)

var (
	patient = domain.Actor{UserID: 20, Role: domain.RolePatient}
	doctor  = domain.Actor{UserID: 1, Role: domain.RoleDoctor}
)

type fakeInference struct {
	mu         sync.Mutex
	chatErr    error
	extractErr error
	improveErr error
	extraction domain.Extraction
	lastTurns  []domain.Turn
	lastTarget domain.ConsultationState
}

func (f *fakeInference) Chat(_ context.Context, turns []domain.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTurns = turns
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return "reply to: " + turns[len(turns)-1].Content, nil
}

func (f *fakeInference) Extract(_ context.Context, turns []domain.Turn) (domain.Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTurns = turns
	if f.extractErr != nil {
		return domain.Extraction{}, f.extractErr
	}
	return f.extraction, nil
}

func (f *fakeInference) ImproveNote(_ context.Context, target domain.ConsultationState, note string, turns []domain.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTurns = turns
	f.lastTarget = target
	if f.improveErr != nil {
		return "", f.improveErr
	}
	return "Improved: " + note, nil
}

type recordingJobs struct {
	mu   sync.Mutex
	jobs []queue.JobStatus
	err  error
}

func (r *recordingJobs) Enqueue(_ context.Context, kind string, consultationID int64) (queue.JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return queue.JobStatus{}, r.err
	}
	job := queue.JobStatus{ID: kind, Kind: kind, ConsultationID: consultationID, Status: queue.StatusQueued}
	r.jobs = append(r.jobs, job)
	return job, nil
}

func (r *recordingJobs) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Kind)
	}
	return out
}

// flakyLedger fails Append a fixed number of times before delegating.
type flakyLedger struct {
	*ledger.MemoryLedger
	failures int
	calls    int
}

func (f *flakyLedger) Append(ctx context.Context, rec domain.DiagnosisRecord) (ledger.Receipt, error) {
	f.calls++
	if f.calls <= f.failures {
		return ledger.Receipt{}, errors.New("ledger unreachable")
	}
	return f.MemoryLedger.Append(ctx, rec)
}

type harness struct {
	app     *App
	store   *store.MemoryStore
	ai      *fakeInference
	ledger  *ledger.MemoryLedger
	jobs    *recordingJobs
	events  *events.Recorder
	reports *storage.MemoryObjectStore
	clock   *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harnessOption func(*Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store: store.NewMemoryStore(),
		ai: &fakeInference{extraction: domain.Extraction{
			Summary:  "Toothache for three days",
			Symptoms: []string{"toothache", "swelling"},
			Conditions: []domain.Condition{
				{Condition: "caries", Confidence: 40},
				{Condition: "pulpitis", Confidence: 75},
				{Condition: "abscess", Confidence: 20},
				{Condition: "sinusitis", Confidence: 5},
			},
		}},
		ledger:  ledger.NewMemoryLedger(),
		jobs:    &recordingJobs{},
		events:  &events.Recorder{},
		reports: storage.NewMemoryObjectStore(),
		clock:   &testClock{now: time.Date(2025, 1, 9, 8, 0, 0, 0, time.UTC)},
	}
	if err := h.store.SaveDoctor(ctx, domain.Doctor{ID: doctor.UserID, FullName: "Dr. Reyes", Specialty: "dentistry"}); err != nil {
		t.Fatalf("seed doctor: %v", err)
	}
	if err := h.store.SavePatient(ctx, domain.Patient{ID: patient.UserID, FullName: "Ana Lima"}); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	cfg := Config{
		Store:                   h.store,
		Inference:               h.ai,
		Ledger:                  h.ledger,
		Jobs:                    h.jobs,
		Events:                  h.events,
		Reports:                 h.reports,
		ResumeEmptyConsultation: true,
		MaxLedgerAttempts:       3,
		Now:                     h.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	app, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h.app = app
	return h
}

// consultationIn drives a fresh consultation to state.
func (h *harness) consultationIn(t *testing.T, state domain.ConsultationState) domain.Consultation {
	t.Helper()
	ctx := context.Background()
	c, err := h.app.CreateConsultation(ctx, patient, CreateConsultationInput{PriceCents: 3000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if state == domain.StateInProgress {
		return c
	}
	if _, err := h.app.SendMessage(ctx, patient, c.ID, "my tooth hurts"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c, err = h.app.FinishChat(ctx, patient, c.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	switch state {
	case domain.StateValidated:
		c, err = h.app.Validate(ctx, doctor, c.ID, "pulpitis, see a dentist")
	case domain.StateNeedsFollowUp:
		c, err = h.app.RequestFollowUp(ctx, doctor, c.ID, "")
	}
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	return c
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without store")
	}
	_, err := New(Config{
		Store: store.NewMemoryStore(), Inference: &fakeInference{}, Ledger: ledger.NewMemoryLedger(),
		Jobs: &recordingJobs{}, Policy: "lottery",
	})
	if err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
