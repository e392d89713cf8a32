// Package app holds the ledger service's business logic: an append-only,
// hash-chained register of validated diagnoses.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"medconsult/internal/util"
	"medconsult/pkg/domain"
	"medconsult/pkg/ledger"
	"medconsult/services/ledger/internal/chain"
)

// Config wires the ledger's dependencies.
type Config struct {
	Store chain.Store
	// Now defaults to time.Now.
	Now func() time.Time
}

// App is the ledger core.
type App struct {
	store chain.Store
	now   func() time.Time
}

// New constructs the ledger core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("chain store required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{store: cfg.Store, now: now}, nil
}

// Append chains rec after the current head. Resubmitting a record identical
// to the stored one returns the original receipt; a different record for an
// already recorded consultation is refused with Accepted false.
func (a *App) Append(ctx context.Context, rec domain.DiagnosisRecord) (ledger.Receipt, error) {
	if rec.ConsultationID <= 0 {
		return ledger.Receipt{}, fmt.Errorf("consultationId required: %w", domain.ErrInvalidInput)
	}
	var receipt ledger.Receipt
	err := a.store.WithChainLock(ctx, func(tx chain.Tx) error {
		existing, ok, err := tx.Get(ctx, rec.ConsultationID)
		if err != nil {
			return err
		}
		if ok {
			if existing.Record == rec {
				receipt = ledger.Receipt{TxHash: existing.Hash, Accepted: true}
			} else {
				receipt = ledger.Receipt{Accepted: false}
			}
			return nil
		}
		head, _, err := tx.Head(ctx)
		if err != nil {
			return err
		}
		hash, err := ledger.ChainHash(head.Hash, rec)
		if err != nil {
			return err
		}
		entry := chain.Entry{
			ConsultationID: rec.ConsultationID,
			Record:         rec,
			PrevHash:       head.Hash,
			Hash:           hash,
			CreatedAt:      a.now().UTC(),
		}
		if err := tx.Insert(ctx, &entry); err != nil {
			return err
		}
		receipt = ledger.Receipt{TxHash: hash, Accepted: true}
		return nil
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	logger := util.LoggerFromContext(ctx)
	if receipt.Accepted {
		logger.Info("ledger record appended", "consultationId", rec.ConsultationID, "txHash", receipt.TxHash)
	} else {
		logger.Warn("ledger record refused", "consultationId", rec.ConsultationID)
	}
	return receipt, nil
}

// Read returns the recorded diagnosis for a consultation.
func (a *App) Read(ctx context.Context, consultationID int64) (domain.DiagnosisRecord, error) {
	e, ok, err := a.store.Get(ctx, consultationID)
	if err != nil {
		return domain.DiagnosisRecord{}, err
	}
	if !ok {
		return domain.DiagnosisRecord{}, fmt.Errorf("consultation %d: %w", consultationID, domain.ErrNotFound)
	}
	return e.Record, nil
}

// AnchorDocument attaches a document digest to a recorded consultation.
// Anchoring the same digest twice is a no-op.
func (a *App) AnchorDocument(ctx context.Context, doc ledger.Document) (bool, error) {
	doc.Name = strings.TrimSpace(doc.Name)
	doc.SHA256 = strings.ToLower(strings.TrimSpace(doc.SHA256))
	if doc.Name == "" {
		return false, fmt.Errorf("document name required: %w", domain.ErrInvalidInput)
	}
	if !isSHA256Hex(doc.SHA256) {
		return false, fmt.Errorf("sha256 must be 64 hex characters: %w", domain.ErrInvalidInput)
	}
	if _, ok, err := a.store.Get(ctx, doc.ConsultationID); err != nil {
		return false, err
	} else if !ok {
		return false, fmt.Errorf("consultation %d: %w", doc.ConsultationID, domain.ErrNotFound)
	}
	if doc.AnchoredAt.IsZero() {
		doc.AnchoredAt = a.now()
	}
	doc.AnchoredAt = doc.AnchoredAt.UTC()
	added, err := a.store.AddDocument(ctx, doc)
	if err != nil {
		return false, err
	}
	if added {
		util.LoggerFromContext(ctx).Info("document anchored", "consultationId", doc.ConsultationID, "name", doc.Name, "sha256", doc.SHA256)
	}
	return added, nil
}

func (a *App) ListDocuments(ctx context.Context, consultationID int64) ([]ledger.Document, error) {
	if _, ok, err := a.store.Get(ctx, consultationID); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("consultation %d: %w", consultationID, domain.ErrNotFound)
	}
	return a.store.ListDocuments(ctx, consultationID)
}

// ChainReport summarizes a full chain walk. BrokenAt is the Seq of the first
// entry whose link or hash does not verify, zero when the chain is intact.
type ChainReport struct {
	Entries  int64  `json:"entries"`
	Head     string `json:"head"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain recomputes every hash from the genesis entry.
func (a *App) VerifyChain(ctx context.Context) (ChainReport, error) {
	report := ChainReport{Valid: true}
	prev := ""
	errBroken := errors.New("chain broken")
	err := a.store.Walk(ctx, func(e chain.Entry) error {
		report.Entries++
		if e.PrevHash != prev {
			report.Valid, report.BrokenAt, report.Reason = false, e.Seq, "previous hash does not match"
			return errBroken
		}
		hash, err := ledger.ChainHash(prev, e.Record)
		if err != nil {
			return err
		}
		if hash != e.Hash {
			report.Valid, report.BrokenAt, report.Reason = false, e.Seq, "record hash does not match"
			return errBroken
		}
		prev = e.Hash
		return nil
	})
	if err != nil && !errors.Is(err, errBroken) {
		return ChainReport{}, err
	}
	report.Head = prev
	if !report.Valid {
		util.LoggerFromContext(ctx).Error("ledger chain verification failed", "brokenAt", report.BrokenAt, "reason", report.Reason)
	}
	return report, nil
}

func isSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
