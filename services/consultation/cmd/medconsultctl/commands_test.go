package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"medconsult/pkg/domain"
	"medconsult/pkg/ledger"
	"medconsult/pkg/queue"
	"medconsult/pkg/store"
	"medconsult/services/consultation/internal/app"
)

type stubInference struct{}

func (stubInference) Chat(context.Context, []domain.Turn) (string, error) { return "", nil }
func (stubInference) Extract(context.Context, []domain.Turn) (domain.Extraction, error) {
	return domain.Extraction{}, nil
}
func (stubInference) ImproveNote(context.Context, domain.ConsultationState, string, []domain.Turn) (string, error) {
	return "", nil
}

type recordingJobs struct {
	kinds []string
}

func (r *recordingJobs) Enqueue(_ context.Context, kind string, id int64) (queue.JobStatus, error) {
	r.kinds = append(r.kinds, kind)
	return queue.JobStatus{ID: "job", Kind: kind, ConsultationID: id}, nil
}

type cliEnv struct {
	store *store.MemoryStore
	jobs  *recordingJobs
	core  *app.App
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	st := store.NewMemoryStore()
	if err := st.SaveDoctor(context.Background(), domain.Doctor{ID: 1, FullName: "Dr. Ana"}); err != nil {
		t.Fatalf("save doctor: %v", err)
	}
	jobs := &recordingJobs{}
	core, err := app.New(app.Config{
		Store:           st,
		Inference:       stubInference{},
		Ledger:          ledger.NewMemoryLedger(),
		Jobs:            jobs,
		DefaultDoctorID: 1,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &cliEnv{store: st, jobs: jobs, core: core}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func(context.Context, string) (*app.App, func(), error) {
		return e.core, func() {}, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOutboxListAndRetry(t *testing.T) {
	env := newCLIEnv(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	if err := env.store.SaveOutbox(ctx, domain.OutboxEntry{
		ConsultationID: 12, Status: domain.OutboxFailed, Attempts: 5, LastError: "ledger unreachable",
		CreatedAt: past, UpdatedAt: past,
	}); err != nil {
		t.Fatalf("save outbox: %v", err)
	}

	out, err := env.run(t, "outbox", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "12") || !strings.Contains(out, "ledger unreachable") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	out, err = env.run(t, "outbox", "retry", "12")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !strings.Contains(out, "consultation 12 requeued (pending)") {
		t.Fatalf("unexpected retry output: %q", out)
	}
	if len(env.jobs.kinds) != 1 || env.jobs.kinds[0] != queue.KindLedgerAppend {
		t.Fatalf("enqueued = %v", env.jobs.kinds)
	}

	if _, err := env.run(t, "outbox", "retry", "12"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second retry: %v", err)
	}
	if _, err := env.run(t, "outbox", "list", "--status", "stuck"); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}

func TestVerifyCommand(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "verify", "404"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown consultation: %v", err)
	}
	if _, err := env.run(t, "verify", "abc"); err == nil {
		t.Fatalf("expected bad id to fail")
	}
}

func TestSlotsCommand(t *testing.T) {
	env := newCLIEnv(t)
	ctx := context.Background()
	nine := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	err := env.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateAppointment(ctx, &domain.Appointment{
			StartsAt: nine, State: domain.AppointmentPlanned, ConsultationID: 3, DoctorID: 1,
		})
	})
	if err != nil {
		t.Fatalf("seed appointment: %v", err)
	}

	out, err := env.run(t, "slots", "--date", "2025-01-10", "--doctor", "1")
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if strings.TrimSpace(out) != "2025-01-10T09:00:00Z" {
		t.Fatalf("unexpected slots output: %q", out)
	}
	if _, err := env.run(t, "slots", "--date", "10/01/2025"); err == nil {
		t.Fatalf("expected bad date to fail")
	}
}
