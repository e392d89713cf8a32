package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"medconsult/internal/util"
	"medconsult/pkg/domain"
	"medconsult/pkg/events"
	"medconsult/pkg/inference"
	"medconsult/pkg/ledger"
	"medconsult/pkg/queue"
	"medconsult/pkg/storage"
	"medconsult/pkg/store"
)

// BookingPolicy decides which appointments already linked to a consultation
// block booking another one.
type BookingPolicy string

const (
	// PolicyPlannedOnly blocks only while a PLANNED appointment exists, so a
	// patient may rebook after cancelling.
	PolicyPlannedOnly BookingPolicy = "planned-only"
	// PolicyAnyExisting blocks once any appointment was ever linked.
	PolicyAnyExisting BookingPolicy = "any-existing"
)

// Enqueuer schedules background jobs for a consultation.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, consultationID int64) (queue.JobStatus, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store     store.Store
	Inference inference.Gateway
	Ledger    ledger.Gateway
	Jobs      Enqueuer
	Events    events.Publisher
	// Reports is optional; without it reports are rendered and anchored
	// but not archived.
	Reports storage.ObjectStore

	DefaultDoctorID         int64
	Policy                  BookingPolicy
	ResumeEmptyConsultation bool
	// MaxLedgerAttempts is the attempt after which a failing ledger write
	// is marked failed. It should match the queue's retry budget.
	MaxLedgerAttempts int

	Now func() time.Time
}

// App is the consultation core: state machine, scheduler and verifier.
type App struct {
	store     store.Store
	inference inference.Gateway
	ledger    ledger.Gateway
	jobs      Enqueuer
	events    events.Publisher
	reports   storage.ObjectStore

	defaultDoctorID   int64
	policy            BookingPolicy
	resumeEmpty       bool
	maxLedgerAttempts int
	now               func() time.Time
}

// New validates dependencies and constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Inference == nil {
		return nil, errors.New("inference gateway required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ledger gateway required")
	}
	if cfg.Jobs == nil {
		return nil, errors.New("job queue required")
	}
	policy := cfg.Policy
	switch policy {
	case "":
		policy = PolicyPlannedOnly
	case PolicyPlannedOnly, PolicyAnyExisting:
	default:
		return nil, fmt.Errorf("unknown booking policy %q", policy)
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	maxAttempts := cfg.MaxLedgerAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:             cfg.Store,
		inference:         cfg.Inference,
		ledger:            cfg.Ledger,
		jobs:              cfg.Jobs,
		events:            publisher,
		reports:           cfg.Reports,
		defaultDoctorID:   cfg.DefaultDoctorID,
		policy:            policy,
		resumeEmpty:       cfg.ResumeEmptyConsultation,
		maxLedgerAttempts: maxAttempts,
		now:               now,
	}, nil
}

// owns reports whether actor may act on c. Anything else is reported as
// not found so callers cannot discover other users' consultations.
func owns(actor domain.Actor, c domain.Consultation) bool {
	switch actor.Role {
	case domain.RolePatient:
		return c.PatientID == actor.UserID
	case domain.RoleDoctor:
		return c.DoctorID == actor.UserID
	}
	return false
}

func requireRole(actor domain.Actor, role domain.UserRole) error {
	if actor.Role != role || actor.UserID <= 0 {
		return fmt.Errorf("%s access required: %w", role, domain.ErrNotFound)
	}
	return nil
}

// loadOwned reads a consultation the actor is allowed to see.
func (a *App) loadOwned(ctx context.Context, actor domain.Actor, id int64) (domain.Consultation, error) {
	c, ok, err := a.store.GetConsultation(ctx, id)
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("load consultation: %w", err)
	}
	if !ok || !owns(actor, c) {
		return domain.Consultation{}, fmt.Errorf("consultation %d: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// lockOwned re-reads a consultation under its row lock.
func lockOwned(ctx context.Context, tx store.Tx, actor domain.Actor, id int64) (domain.Consultation, error) {
	c, ok, err := tx.LockConsultation(ctx, id)
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("lock consultation: %w", err)
	}
	if !ok || !owns(actor, c) {
		return domain.Consultation{}, fmt.Errorf("consultation %d: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func requireState(c domain.Consultation, want domain.ConsultationState) error {
	if c.State != want {
		return fmt.Errorf("consultation %d is %s, want %s: %w", c.ID, c.State, want, domain.ErrInvalidState)
	}
	return nil
}

// publish sends a lifecycle event after commit. Failures are logged only.
func (a *App) publish(ctx context.Context, eventType string, consultationID int64, data map[string]any) {
	if err := a.events.Publish(ctx, events.New(eventType, consultationID, data)); err != nil {
		util.LoggerFromContext(ctx).Warn("publish event failed",
			"event", eventType, "consultationId", consultationID, "err", err)
	}
}

func logger(ctx context.Context) *slog.Logger {
	return util.LoggerFromContext(ctx)
}
