package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"medconsult/pkg/domain"
	"medconsult/pkg/events"
	"medconsult/pkg/queue"
	"medconsult/pkg/store"
	"medconsult/pkg/transcript"
)

// CreateConsultationInput is the patient-supplied payload of a new consultation.
type CreateConsultationInput struct {
	Diagnosis     string `json:"diagnosis"`
	ChatSummary   string `json:"chatSummary"`
	DoctorNote    string `json:"doctorNote"`
	AdminFeeCents int64  `json:"adminFeeCents"`
	PriceCents    int64  `json:"priceCents"`
}

// ConsultationDetail is the doctor's view of a consultation.
type ConsultationDetail struct {
	Consultation domain.Consultation `json:"consultation"`
	Patient      domain.Patient      `json:"patient"`
	Symptoms     []domain.Symptom    `json:"symptoms"`
	Hypotheses   []domain.Hypothesis `json:"hypotheses"`
	Messages     []HistoryEntry      `json:"messages"`
}

// HistoryEntry is one stored chat message with its transcript role.
type HistoryEntry struct {
	ID        int64       `json:"id"`
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

// CreateConsultation opens a consultation for the patient with the active
// doctor. With resume enabled, an existing IN_PROGRESS consultation without
// messages is returned instead of a new one.
func (a *App) CreateConsultation(ctx context.Context, actor domain.Actor, in CreateConsultationInput) (domain.Consultation, error) {
	if err := requireRole(actor, domain.RolePatient); err != nil {
		return domain.Consultation{}, err
	}
	if in.AdminFeeCents < 0 || in.PriceCents < 0 {
		return domain.Consultation{}, fmt.Errorf("fees must be >= 0: %w", domain.ErrInvalidInput)
	}
	doctor, ok, err := a.store.ResolveDoctor(ctx, a.defaultDoctorID)
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("resolve doctor: %w", err)
	}
	if !ok {
		return domain.Consultation{}, fmt.Errorf("no active doctor: %w", domain.ErrNotFound)
	}
	if err := a.ensurePatient(ctx, actor.UserID); err != nil {
		return domain.Consultation{}, err
	}

	var (
		out     domain.Consultation
		resumed bool
	)
	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		if a.resumeEmpty {
			existing, err := tx.ListConsultations(ctx, store.ConsultationFilter{PatientID: actor.UserID, State: domain.StateInProgress})
			if err != nil {
				return err
			}
			for _, c := range existing {
				msgs, err := tx.ListMessages(ctx, c.ID)
				if err != nil {
					return err
				}
				if len(msgs) == 0 {
					out, resumed = c, true
					return nil
				}
			}
		}
		out = domain.Consultation{
			CreatedAt:     a.now(),
			Diagnosis:     strings.TrimSpace(in.Diagnosis),
			ChatSummary:   strings.TrimSpace(in.ChatSummary),
			DoctorNote:    strings.TrimSpace(in.DoctorNote),
			State:         domain.StateInProgress,
			AdminFeeCents: in.AdminFeeCents,
			PriceCents:    in.PriceCents,
			DoctorID:      doctor.ID,
			PatientID:     actor.UserID,
		}
		return tx.CreateConsultation(ctx, &out)
	})
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("create consultation: %w", err)
	}
	if !resumed {
		a.publish(ctx, events.ConsultationCreated, out.ID, map[string]any{"patientId": out.PatientID, "doctorId": out.DoctorID})
	}
	return out, nil
}

func (a *App) ensurePatient(ctx context.Context, id int64) error {
	_, ok, err := a.store.GetPatient(ctx, id)
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	if ok {
		return nil
	}
	return a.store.SavePatient(ctx, domain.Patient{ID: id, CreatedAt: a.now()})
}

// SendMessage forwards a patient message to the triage model and stores the
// exchange. Nothing is written unless the model replied.
func (a *App) SendMessage(ctx context.Context, actor domain.Actor, consultationID int64, text string) (domain.ChatMessage, error) {
	if err := requireRole(actor, domain.RolePatient); err != nil {
		return domain.ChatMessage{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ChatMessage{}, fmt.Errorf("message text required: %w", domain.ErrInvalidInput)
	}
	c, err := a.loadOwned(ctx, actor, consultationID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if err := requireState(c, domain.StateInProgress); err != nil {
		return domain.ChatMessage{}, err
	}
	history, err := a.store.ListMessages(ctx, c.ID)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("load messages: %w", err)
	}
	patientMsg := &domain.ChatMessage{
		ConsultationID: c.ID,
		Content:        text,
		Sender:         domain.SenderPatient,
		CreatedAt:      a.now(),
	}
	reply, err := a.inference.Chat(ctx, transcript.Build(history, patientMsg))
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("chat reply: %w: %v", domain.ErrInferenceFailure, err)
	}
	assistantMsg := &domain.ChatMessage{
		ConsultationID: c.ID,
		Content:        strings.TrimSpace(reply),
		Sender:         domain.SenderAssistant,
		CreatedAt:      a.now(),
	}
	if assistantMsg.CreatedAt.Before(patientMsg.CreatedAt) {
		assistantMsg.CreatedAt = patientMsg.CreatedAt
	}
	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := lockOwned(ctx, tx, actor, c.ID)
		if err != nil {
			return err
		}
		if err := requireState(locked, domain.StateInProgress); err != nil {
			return err
		}
		return tx.AppendMessages(ctx, patientMsg, assistantMsg)
	})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("store chat exchange: %w", err)
	}
	return *assistantMsg, nil
}

// FinishChat distills the conversation into a summary, symptoms and
// hypotheses and hands the consultation to the doctor.
func (a *App) FinishChat(ctx context.Context, actor domain.Actor, consultationID int64) (domain.Consultation, error) {
	if err := requireRole(actor, domain.RolePatient); err != nil {
		return domain.Consultation{}, err
	}
	c, err := a.loadOwned(ctx, actor, consultationID)
	if err != nil {
		return domain.Consultation{}, err
	}
	if err := requireState(c, domain.StateInProgress); err != nil {
		return domain.Consultation{}, err
	}
	history, err := a.store.ListMessages(ctx, c.ID)
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("load messages: %w", err)
	}
	if len(history) == 0 {
		return domain.Consultation{}, fmt.Errorf("consultation %d: %w", c.ID, domain.ErrEmptyHistory)
	}
	extraction, err := a.inference.Extract(ctx, transcript.Build(history, nil))
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("extract chat: %w: %v", domain.ErrInferenceFailure, err)
	}

	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := lockOwned(ctx, tx, actor, c.ID)
		if err != nil {
			return err
		}
		if err := requireState(locked, domain.StateInProgress); err != nil {
			return err
		}
		locked.ChatSummary = extraction.Summary
		locked.State = domain.StateAwaitingReview
		if err := tx.UpdateConsultation(ctx, locked); err != nil {
			return err
		}
		symptoms := make([]domain.Symptom, 0, len(extraction.Symptoms))
		for _, label := range extraction.Symptoms {
			symptoms = append(symptoms, domain.Symptom{Label: label, UserID: locked.PatientID, ConsultationID: locked.ID})
		}
		if err := tx.CreateSymptoms(ctx, symptoms); err != nil {
			return err
		}
		hypotheses := make([]domain.Hypothesis, 0, len(extraction.Conditions))
		for _, cond := range extraction.Conditions {
			hypotheses = append(hypotheses, domain.Hypothesis{Condition: cond.Condition, Confidence: cond.Confidence, ConsultationID: locked.ID})
		}
		if err := tx.CreateHypotheses(ctx, hypotheses); err != nil {
			return err
		}
		c = locked
		return nil
	})
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("finish chat: %w", err)
	}
	a.publish(ctx, events.ConsultationChatFinished, c.ID, map[string]any{
		"symptoms":   len(extraction.Symptoms),
		"hypotheses": len(extraction.Conditions),
	})
	return c, nil
}

// Validate closes the review with the doctor's approval.
func (a *App) Validate(ctx context.Context, actor domain.Actor, consultationID int64, note string) (domain.Consultation, error) {
	return a.review(ctx, actor, consultationID, note, domain.StateValidated)
}

// RequestFollowUp closes the review and asks the patient to book a slot.
func (a *App) RequestFollowUp(ctx context.Context, actor domain.Actor, consultationID int64, note string) (domain.Consultation, error) {
	return a.review(ctx, actor, consultationID, note, domain.StateNeedsFollowUp)
}

func (a *App) review(ctx context.Context, actor domain.Actor, consultationID int64, note string, target domain.ConsultationState) (domain.Consultation, error) {
	if err := requireRole(actor, domain.RoleDoctor); err != nil {
		return domain.Consultation{}, err
	}
	c, err := a.loadOwned(ctx, actor, consultationID)
	if err != nil {
		return domain.Consultation{}, err
	}
	if err := requireState(c, domain.StateAwaitingReview); err != nil {
		return domain.Consultation{}, err
	}

	var improved string
	if strings.TrimSpace(note) != "" {
		history, err := a.store.ListMessages(ctx, c.ID)
		if err != nil {
			return domain.Consultation{}, fmt.Errorf("load messages: %w", err)
		}
		improved, err = a.inference.ImproveNote(ctx, target, note, transcript.Build(history, nil))
		if err != nil {
			return domain.Consultation{}, fmt.Errorf("improve note: %w: %v", domain.ErrInferenceFailure, err)
		}
		improved = strings.TrimSpace(improved)
	}

	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := lockOwned(ctx, tx, actor, c.ID)
		if err != nil {
			return err
		}
		if err := requireState(locked, domain.StateAwaitingReview); err != nil {
			return err
		}
		if improved != "" {
			locked.Diagnosis = improved
			if err := tx.AppendMessages(ctx, &domain.ChatMessage{
				ConsultationID: locked.ID,
				Content:        improved,
				Sender:         domain.SenderDoctor,
				CreatedAt:      a.now(),
			}); err != nil {
				return err
			}
		}
		locked.DoctorNote = note
		locked.State = target
		if err := tx.UpdateConsultation(ctx, locked); err != nil {
			return err
		}
		hypotheses, err := tx.ListHypotheses(ctx, locked.ID)
		if err != nil {
			return err
		}
		now := a.now()
		if err := tx.InsertOutbox(ctx, domain.OutboxEntry{
			ConsultationID: locked.ID,
			Status:         domain.OutboxPending,
			Record:         domain.NewDiagnosisRecord(locked, hypotheses),
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}
		c = locked
		return nil
	})
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("review consultation: %w", err)
	}

	// The outbox row is committed; the relay retries if this enqueue is lost.
	if _, err := a.jobs.Enqueue(ctx, queue.KindLedgerAppend, c.ID); err != nil {
		logger(ctx).Warn("enqueue ledger write failed, relay will retry",
			"consultationId", c.ID, "err", err)
	}
	eventType := events.ConsultationValidated
	if target == domain.StateNeedsFollowUp {
		eventType = events.ConsultationFollowUpRequested
	}
	a.publish(ctx, eventType, c.ID, map[string]any{"doctorId": c.DoctorID})
	return c, nil
}

// GetConsultation returns a consultation owned by the actor.
func (a *App) GetConsultation(ctx context.Context, actor domain.Actor, consultationID int64) (domain.Consultation, error) {
	return a.loadOwned(ctx, actor, consultationID)
}

// ListConsultations lists the actor's consultations, optionally by state.
func (a *App) ListConsultations(ctx context.Context, actor domain.Actor, state domain.ConsultationState) ([]domain.Consultation, error) {
	filter := store.ConsultationFilter{State: state}
	switch actor.Role {
	case domain.RolePatient:
		filter.PatientID = actor.UserID
	case domain.RoleDoctor:
		filter.DoctorID = actor.UserID
	default:
		return nil, fmt.Errorf("unknown role %q: %w", actor.Role, domain.ErrNotFound)
	}
	if actor.UserID <= 0 {
		return nil, fmt.Errorf("user id required: %w", domain.ErrNotFound)
	}
	list, err := a.store.ListConsultations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	return list, nil
}

// ChatHistory returns the stored conversation in transcript order.
func (a *App) ChatHistory(ctx context.Context, actor domain.Actor, consultationID int64) ([]HistoryEntry, error) {
	c, err := a.loadOwned(ctx, actor, consultationID)
	if err != nil {
		return nil, err
	}
	msgs, err := a.store.ListMessages(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return historyEntries(msgs), nil
}

func historyEntries(msgs []domain.ChatMessage) []HistoryEntry {
	ordered := transcript.Ordered(msgs)
	out := make([]HistoryEntry, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, HistoryEntry{
			ID:        m.ID,
			Role:      m.Sender.Role(),
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC(),
		})
	}
	return out
}

// ConsultationDetail loads everything a doctor reviews in one view.
func (a *App) ConsultationDetail(ctx context.Context, actor domain.Actor, consultationID int64) (ConsultationDetail, error) {
	if err := requireRole(actor, domain.RoleDoctor); err != nil {
		return ConsultationDetail{}, err
	}
	c, err := a.loadOwned(ctx, actor, consultationID)
	if err != nil {
		return ConsultationDetail{}, err
	}
	detail := ConsultationDetail{Consultation: c}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, ok, err := a.store.GetPatient(gctx, c.PatientID)
		if err != nil {
			return fmt.Errorf("load patient: %w", err)
		}
		if ok {
			detail.Patient = p
		} else {
			detail.Patient = domain.Patient{ID: c.PatientID}
		}
		return nil
	})
	g.Go(func() error {
		s, err := a.store.ListSymptoms(gctx, c.ID)
		if err != nil {
			return fmt.Errorf("load symptoms: %w", err)
		}
		detail.Symptoms = s
		return nil
	})
	g.Go(func() error {
		h, err := a.store.ListHypotheses(gctx, c.ID)
		if err != nil {
			return fmt.Errorf("load hypotheses: %w", err)
		}
		detail.Hypotheses = h
		return nil
	})
	g.Go(func() error {
		m, err := a.store.ListMessages(gctx, c.ID)
		if err != nil {
			return fmt.Errorf("load messages: %w", err)
		}
		detail.Messages = historyEntries(m)
		return nil
	})
	if err := g.Wait(); err != nil {
		return ConsultationDetail{}, err
	}
	return detail, nil
}
