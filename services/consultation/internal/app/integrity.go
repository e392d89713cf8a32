package app

import (
	"context"
	"fmt"

	"medconsult/pkg/domain"
)

// IntegrityResult reports whether the stored diagnosis matches the ledger.
// Mismatch names the first field that differed.
type IntegrityResult struct {
	ConsultationID int64  `json:"consultationId"`
	Valid          bool   `json:"valid"`
	Mismatch       string `json:"mismatch,omitempty"`
}

// VerifyIntegrity compares the consultation's diagnosis and first
// hypotheses against the ledger copy. It never writes.
func (a *App) VerifyIntegrity(ctx context.Context, actor domain.Actor, consultationID int64) (IntegrityResult, error) {
	c, err := a.loadOwned(ctx, actor, consultationID)
	if err != nil {
		return IntegrityResult{}, err
	}
	return a.verify(ctx, c)
}

// VerifyConsultation runs the integrity check without an ownership check,
// for operator tooling.
func (a *App) VerifyConsultation(ctx context.Context, consultationID int64) (IntegrityResult, error) {
	c, ok, err := a.store.GetConsultation(ctx, consultationID)
	if err != nil {
		return IntegrityResult{}, fmt.Errorf("load consultation: %w", err)
	}
	if !ok {
		return IntegrityResult{}, fmt.Errorf("consultation %d: %w", consultationID, domain.ErrNotFound)
	}
	return a.verify(ctx, c)
}

func (a *App) verify(ctx context.Context, c domain.Consultation) (IntegrityResult, error) {
	hypotheses, err := a.store.ListHypotheses(ctx, c.ID)
	if err != nil {
		return IntegrityResult{}, fmt.Errorf("load hypotheses: %w", err)
	}
	if len(hypotheses) == 0 {
		return IntegrityResult{}, fmt.Errorf("consultation %d: %w", c.ID, domain.ErrNoHypotheses)
	}
	onLedger, ok, err := a.ledger.Read(ctx, c.ID)
	if err != nil {
		return IntegrityResult{}, fmt.Errorf("read ledger: %w: %v", domain.ErrLedgerFailure, err)
	}
	result := IntegrityResult{ConsultationID: c.ID}
	if !ok {
		result.Mismatch = "record"
		return result, nil
	}
	result.Mismatch = Compare(domain.NewDiagnosisRecord(c, hypotheses), onLedger)
	result.Valid = result.Mismatch == ""
	return result, nil
}

// Compare returns the first field where stored and onLedger differ, checking
// diagnosis, patient, doctor and then each hypothesis slot in order. It
// returns "" when they match.
func Compare(stored, onLedger domain.DiagnosisRecord) string {
	switch {
	case stored.Diagnosis != onLedger.Diagnosis:
		return "diagnosis"
	case stored.PatientID != onLedger.PatientID:
		return "patientId"
	case stored.DoctorID != onLedger.DoctorID:
		return "doctorId"
	}
	for i := range stored.Hypotheses {
		if stored.Hypotheses[i].Condition != onLedger.Hypotheses[i].Condition {
			return fmt.Sprintf("condition%d", i+1)
		}
		if stored.Hypotheses[i].Confidence != onLedger.Hypotheses[i].Confidence {
			return fmt.Sprintf("confidence%d", i+1)
		}
	}
	return ""
}
