package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"medconsult/pkg/domain"
	"medconsult/pkg/events"
	"medconsult/pkg/queue"
	"medconsult/pkg/store"
)

func TestCreateConsultationResumesEmptyInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.app.CreateConsultation(ctx, patient, CreateConsultationInput{AdminFeeCents: 500})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.State != domain.StateInProgress || first.DoctorID != doctor.UserID || first.PatientID != patient.UserID {
		t.Fatalf("unexpected consultation: %+v", first)
	}
	again, err := h.app.CreateConsultation(ctx, patient, CreateConsultationInput{})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected resumed consultation %d, got %d", first.ID, again.ID)
	}

	if _, err := h.app.SendMessage(ctx, patient, first.ID, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	fresh, err := h.app.CreateConsultation(ctx, patient, CreateConsultationInput{})
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatal("consultation with messages must not be resumed")
	}
	if got := h.events.Types(); len(got) != 2 || got[0] != events.ConsultationCreated {
		t.Fatalf("events = %v", got)
	}
}

func TestCreateConsultationWithoutResume(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ResumeEmptyConsultation = false })
	ctx := context.Background()
	a, _ := h.app.CreateConsultation(ctx, patient, CreateConsultationInput{})
	b, _ := h.app.CreateConsultation(ctx, patient, CreateConsultationInput{})
	if a.ID == b.ID {
		t.Fatal("expected distinct consultations")
	}
}

func TestCreateConsultationRequiresDoctor(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Store = store.NewMemoryStore() })
	_, err := h.app.CreateConsultation(context.Background(), patient, CreateConsultationInput{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateConsultationRejectsDoctorCaller(t *testing.T) {
	h := newHarness(t)
	if _, err := h.app.CreateConsultation(context.Background(), doctor, CreateConsultationInput{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendMessagePersistsExchangeInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateInProgress)

	reply, err := h.app.SendMessage(ctx, patient, c.ID, "  my tooth hurts ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Sender != domain.SenderAssistant || reply.Content != "reply to: my tooth hurts" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	msgs, _ := h.store.ListMessages(ctx, c.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != domain.SenderPatient || msgs[1].Sender != domain.SenderAssistant {
		t.Fatalf("wrong order: %+v", msgs)
	}
	if msgs[1].CreatedAt.Before(msgs[0].CreatedAt) {
		t.Fatal("assistant reply stamped before patient message")
	}

	if _, err := h.app.SendMessage(ctx, patient, c.ID, "since monday"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if n := len(h.ai.lastTurns); n != 3 || h.ai.lastTurns[n-1].Role != domain.RoleUser || h.ai.lastTurns[1].Role != domain.RoleAssistant {
		t.Fatalf("transcript sent to model: %+v", h.ai.lastTurns)
	}
}

func TestSendMessageOutsideInProgressFails(t *testing.T) {
	for _, state := range []domain.ConsultationState{domain.StateAwaitingReview, domain.StateValidated, domain.StateNeedsFollowUp} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			c := h.consultationIn(t, state)
			before, _ := h.store.ListMessages(ctx, c.ID)

			_, err := h.app.SendMessage(ctx, patient, c.ID, "hello?")
			if !errors.Is(err, domain.ErrInvalidState) {
				t.Fatalf("expected invalid state, got %v", err)
			}
			after, _ := h.store.ListMessages(ctx, c.ID)
			if len(after) != len(before) {
				t.Fatalf("message persisted on failure: %d -> %d", len(before), len(after))
			}
		})
	}
}

func TestSendMessageInferenceFailurePersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateInProgress)
	h.ai.chatErr = errors.New("model timeout")

	_, err := h.app.SendMessage(ctx, patient, c.ID, "hello")
	if !errors.Is(err, domain.ErrInferenceFailure) {
		t.Fatalf("expected inference failure, got %v", err)
	}
	if msgs, _ := h.store.ListMessages(ctx, c.ID); len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestSendMessageHidesOtherPatientsConsultation(t *testing.T) {
	h := newHarness(t)
	c := h.consultationIn(t, domain.StateInProgress)
	other := domain.Actor{UserID: 99, Role: domain.RolePatient}
	if _, err := h.app.SendMessage(context.Background(), other, c.ID, "hi"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.app.SendMessage(context.Background(), patient, c.ID, "   "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank text, got %v", err)
	}
}

func TestFinishChatWithoutMessagesFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateInProgress)

	_, err := h.app.FinishChat(ctx, patient, c.ID)
	if !errors.Is(err, domain.ErrEmptyHistory) || !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected empty history, got %v", err)
	}
	got, _, _ := h.store.GetConsultation(ctx, c.ID)
	if got.State != domain.StateInProgress {
		t.Fatalf("state changed to %s", got.State)
	}
}

func TestFinishChatPersistsExtractionAtomically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateInProgress)
	if _, err := h.app.SendMessage(ctx, patient, c.ID, "my tooth hurts"); err != nil {
		t.Fatalf("send: %v", err)
	}

	h.ai.extractErr = errors.New("bad json")
	if _, err := h.app.FinishChat(ctx, patient, c.ID); !errors.Is(err, domain.ErrInferenceFailure) {
		t.Fatalf("expected inference failure, got %v", err)
	}
	if s, _ := h.store.ListSymptoms(ctx, c.ID); len(s) != 0 {
		t.Fatal("symptoms written on failed extraction")
	}

	h.ai.extractErr = nil
	done, err := h.app.FinishChat(ctx, patient, c.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.State != domain.StateAwaitingReview || done.ChatSummary != "Toothache for three days" {
		t.Fatalf("unexpected consultation: %+v", done)
	}
	symptoms, _ := h.store.ListSymptoms(ctx, c.ID)
	if len(symptoms) != 2 || symptoms[0].UserID != patient.UserID {
		t.Fatalf("symptoms = %+v", symptoms)
	}
	hyps, _ := h.store.ListHypotheses(ctx, c.ID)
	if len(hyps) != 4 || hyps[0].Condition != "caries" || hyps[1].Condition != "pulpitis" {
		t.Fatalf("hypotheses not in extraction order: %+v", hyps)
	}

	if _, err := h.app.FinishChat(ctx, patient, c.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second finish should fail invalid state, got %v", err)
	}
}

func TestValidateRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateAwaitingReview)

	validated, err := h.app.Validate(ctx, doctor, c.ID, "pulpitis, see a dentist")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validated.State != domain.StateValidated || validated.Diagnosis != "Improved: pulpitis, see a dentist" {
		t.Fatalf("unexpected consultation: %+v", validated)
	}
	if validated.DoctorNote != "pulpitis, see a dentist" {
		t.Fatalf("raw note not stored: %q", validated.DoctorNote)
	}
	if h.ai.lastTarget != domain.StateValidated {
		t.Fatalf("improve target = %s", h.ai.lastTarget)
	}

	history, err := h.app.ChatHistory(ctx, patient, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if last.Role != domain.RoleDoctorMsg || last.Content != validated.Diagnosis {
		t.Fatalf("last history entry = %+v", last)
	}

	entry, ok, _ := h.store.GetOutbox(ctx, c.ID)
	if !ok || entry.Status != domain.OutboxPending {
		t.Fatalf("outbox entry = %+v ok=%v", entry, ok)
	}
	if entry.Record.Diagnosis != validated.Diagnosis || entry.Record.Hypotheses[2].Condition != "abscess" {
		t.Fatalf("outbox record = %+v", entry.Record)
	}
	if kinds := h.jobs.kinds(); len(kinds) != 1 || kinds[0] != queue.KindLedgerAppend {
		t.Fatalf("jobs = %v", kinds)
	}
}

func TestRequestFollowUpWithoutNoteKeepsDiagnosis(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _ := h.app.CreateConsultation(ctx, patient, CreateConsultationInput{Diagnosis: "initial"})
	_, _ = h.app.SendMessage(ctx, patient, c.ID, "hi")
	_, _ = h.app.FinishChat(ctx, patient, c.ID)
	before, _ := h.store.ListMessages(ctx, c.ID)

	got, err := h.app.RequestFollowUp(ctx, doctor, c.ID, "   ")
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if got.State != domain.StateNeedsFollowUp || got.Diagnosis != "initial" {
		t.Fatalf("unexpected consultation: %+v", got)
	}
	if after, _ := h.store.ListMessages(ctx, c.ID); len(after) != len(before) {
		t.Fatal("blank note must not add a doctor message")
	}
}

func TestReviewInferenceFailureAbortsTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateAwaitingReview)
	h.ai.improveErr = errors.New("model down")

	if _, err := h.app.Validate(ctx, doctor, c.ID, "note"); !errors.Is(err, domain.ErrInferenceFailure) {
		t.Fatalf("expected inference failure, got %v", err)
	}
	got, _, _ := h.store.GetConsultation(ctx, c.ID)
	if got.State != domain.StateAwaitingReview || got.DoctorNote != "" {
		t.Fatalf("consultation changed: %+v", got)
	}
	if _, ok, _ := h.store.GetOutbox(ctx, c.ID); ok {
		t.Fatal("outbox written on failed review")
	}
	if len(h.jobs.kinds()) != 0 {
		t.Fatal("ledger job enqueued on failed review")
	}
}

func TestReviewRequiresAssignedDoctorAndState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateInProgress)
	if _, err := h.app.Validate(ctx, doctor, c.ID, ""); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	stranger := domain.Actor{UserID: 2, Role: domain.RoleDoctor}
	if _, err := h.app.Validate(ctx, stranger, c.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.app.Validate(ctx, patient, c.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("patient must not review, got %v", err)
	}
}

func TestReviewSurvivesEnqueueFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateAwaitingReview)
	h.jobs.err = errors.New("redis down")

	got, err := h.app.Validate(ctx, doctor, c.ID, "")
	if err != nil {
		t.Fatalf("validate should not fail on enqueue error: %v", err)
	}
	if got.State != domain.StateValidated {
		t.Fatalf("state = %s", got.State)
	}
	if entry, ok, _ := h.store.GetOutbox(ctx, c.ID); !ok || entry.Status != domain.OutboxPending {
		t.Fatal("outbox entry must remain pending for the relay")
	}
}

func TestListAndDetail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateAwaitingReview)
	_ = h.consultationIn(t, domain.StateInProgress)

	all, err := h.app.ListConsultations(ctx, patient, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("patient list: %d %v", len(all), err)
	}
	awaiting, err := h.app.ListConsultations(ctx, doctor, domain.StateAwaitingReview)
	if err != nil || len(awaiting) != 1 || awaiting[0].ID != c.ID {
		t.Fatalf("doctor list: %+v %v", awaiting, err)
	}

	detail, err := h.app.ConsultationDetail(ctx, doctor, c.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Patient.FullName != "Ana Lima" || len(detail.Symptoms) != 2 || len(detail.Hypotheses) != 4 || len(detail.Messages) != 2 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if _, err := h.app.ConsultationDetail(ctx, patient, c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("patient must not load doctor detail, got %v", err)
	}
}

func TestConcurrentFinishChatCommitsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateInProgress)
	if _, err := h.app.SendMessage(ctx, patient, c.ID, "my jaw hurts"); err != nil {
		t.Fatalf("send: %v", err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = h.app.FinishChat(ctx, patient, c.ID)
		}()
	}
	close(start)
	wg.Wait()

	var finished, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			finished++
		case errors.Is(err, domain.ErrInvalidState):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if finished != 1 || refused != 1 {
		t.Fatalf("finished=%d refused=%d errs=%v", finished, refused, errs)
	}
	hypotheses, _ := h.store.ListHypotheses(ctx, c.ID)
	if len(hypotheses) != len(h.ai.extraction.Conditions) {
		t.Fatalf("hypotheses = %d, want %d", len(hypotheses), len(h.ai.extraction.Conditions))
	}
	symptoms, _ := h.store.ListSymptoms(ctx, c.ID)
	if len(symptoms) != len(h.ai.extraction.Symptoms) {
		t.Fatalf("symptoms = %d", len(symptoms))
	}
}
