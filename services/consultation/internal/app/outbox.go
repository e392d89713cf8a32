package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"medconsult/pkg/domain"
	"medconsult/pkg/events"
	"medconsult/pkg/ledger"
	"medconsult/pkg/queue"
	"medconsult/pkg/report"
	"medconsult/pkg/storage"
)

const reportDocumentName = "consultation-report.pdf"

// HandleJob is the queue handler for consultation background jobs.
func (a *App) HandleJob(ctx context.Context, job queue.JobStatus) error {
	switch job.Kind {
	case queue.KindLedgerAppend:
		return a.appendToLedger(ctx, job.ConsultationID)
	case queue.KindReportArchive:
		return a.archiveReport(ctx, job.ConsultationID)
	default:
		return queue.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// appendToLedger writes the pending outbox record of a consultation. Ledger
// rejections are final; transport errors are retried until the entry has
// used up its attempts.
func (a *App) appendToLedger(ctx context.Context, consultationID int64) error {
	log := logger(ctx).With("consultationId", consultationID)
	entry, ok, err := a.store.GetOutbox(ctx, consultationID)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	if !ok {
		return queue.Permanent(fmt.Errorf("outbox entry %d: %w", consultationID, domain.ErrNotFound))
	}
	if entry.Status != domain.OutboxPending {
		log.Debug("ledger write skipped", "status", entry.Status)
		return nil
	}

	prevAttempts := entry.Attempts
	receipt, appendErr := a.ledger.Append(ctx, entry.Record)
	entry.Attempts++
	entry.UpdatedAt = a.now()
	switch {
	case appendErr != nil:
		entry.LastError = appendErr.Error()
		if entry.Attempts >= a.maxLedgerAttempts {
			entry.Status = domain.OutboxFailed
		}
	case !receipt.Accepted:
		entry.Status = domain.OutboxRejected
		entry.LastError = "ledger rejected record"
	default:
		entry.Status = domain.OutboxDone
		entry.TxHash = receipt.TxHash
		entry.LastError = ""
	}
	applied, err := a.store.UpdateOutbox(ctx, entry, domain.OutboxPending, prevAttempts)
	if err != nil {
		return fmt.Errorf("save outbox: %w", err)
	}
	if !applied {
		return a.lostOutboxRace(ctx, consultationID, appendErr)
	}

	switch entry.Status {
	case domain.OutboxFailed:
		log.Error("ledger write failed", "attempts", entry.Attempts, "err", appendErr)
		a.publish(ctx, events.LedgerFailed, consultationID, map[string]any{"attempts": entry.Attempts, "error": entry.LastError})
		return queue.Permanent(fmt.Errorf("%w: %v", domain.ErrLedgerFailure, appendErr))
	case domain.OutboxRejected:
		log.Error("ledger rejected diagnosis record", "attempts", entry.Attempts)
		a.publish(ctx, events.LedgerRejected, consultationID, nil)
		return queue.Permanent(fmt.Errorf("consultation %d: %w: record rejected", consultationID, domain.ErrLedgerFailure))
	case domain.OutboxPending:
		log.Warn("ledger write failed, will retry", "attempts", entry.Attempts, "err", appendErr)
		return fmt.Errorf("%w: %v", domain.ErrLedgerFailure, appendErr)
	}

	log.Info("diagnosis recorded on ledger", "txHash", entry.TxHash)
	a.publish(ctx, events.LedgerRecorded, consultationID, map[string]any{"txHash": entry.TxHash})
	if _, err := a.jobs.Enqueue(ctx, queue.KindReportArchive, consultationID); err != nil {
		log.Warn("enqueue report archive failed", "err", err)
	}
	return nil
}

// lostOutboxRace handles a delivery whose result was not written because a
// concurrent delivery of the same job updated the row first. A settled row
// is left alone; a still pending row is retried so the ledger's idempotent
// append can settle it.
func (a *App) lostOutboxRace(ctx context.Context, consultationID int64, appendErr error) error {
	current, ok, err := a.store.GetOutbox(ctx, consultationID)
	if err != nil {
		return fmt.Errorf("reload outbox: %w", err)
	}
	if !ok {
		return queue.Permanent(fmt.Errorf("outbox entry %d: %w", consultationID, domain.ErrNotFound))
	}
	logger(ctx).Info("outbox entry updated by a concurrent delivery",
		"consultationId", consultationID, "status", current.Status, "attempts", current.Attempts)
	if current.Status != domain.OutboxPending {
		return nil
	}
	if appendErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrLedgerFailure, appendErr)
	}
	return fmt.Errorf("outbox entry %d changed during ledger write: %w", consultationID, domain.ErrConflict)
}

// archiveReport renders the consultation report, stores it and anchors its
// digest on the ledger. The report is stamped with the ledger write time so
// re-runs produce the same digest.
func (a *App) archiveReport(ctx context.Context, consultationID int64) error {
	entry, ok, err := a.store.GetOutbox(ctx, consultationID)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	if !ok || entry.Status != domain.OutboxDone {
		return queue.Permanent(fmt.Errorf("consultation %d has no recorded diagnosis: %w", consultationID, domain.ErrInvalidState))
	}
	in, err := a.reportInput(ctx, consultationID)
	if err != nil {
		return err
	}
	in.TxHash = entry.TxHash
	in.GeneratedAt = entry.UpdatedAt
	pdf, err := report.Render(in)
	if err != nil {
		return queue.Permanent(err)
	}
	sum := sha256.Sum256(pdf)
	doc := ledger.Document{
		ConsultationID: consultationID,
		Name:           reportDocumentName,
		SHA256:         hex.EncodeToString(sum[:]),
		AnchoredAt:     a.now(),
	}
	if a.reports != nil {
		doc.ObjectKey = storage.ReportKey(consultationID)
		err := a.reports.Put(ctx, storage.Object{
			Key:         doc.ObjectKey,
			Body:        bytes.NewReader(pdf),
			Size:        int64(len(pdf)),
			ContentType: "application/pdf",
			Metadata: map[string]string{
				"consultation-id": strconv.FormatInt(consultationID, 10),
				"sha256":          doc.SHA256,
				"ledger-tx":       entry.TxHash,
			},
		})
		if err != nil {
			return fmt.Errorf("archive report: %w", err)
		}
	}
	if err := a.ledger.AnchorDocument(ctx, doc); err != nil {
		return fmt.Errorf("anchor report: %w", err)
	}
	logger(ctx).Info("consultation report archived", "consultationId", consultationID, "sha256", doc.SHA256, "objectKey", doc.ObjectKey)
	return nil
}

func (a *App) reportInput(ctx context.Context, consultationID int64) (report.Input, error) {
	c, ok, err := a.store.GetConsultation(ctx, consultationID)
	if err != nil {
		return report.Input{}, fmt.Errorf("load consultation: %w", err)
	}
	if !ok {
		return report.Input{}, queue.Permanent(fmt.Errorf("consultation %d: %w", consultationID, domain.ErrNotFound))
	}
	in := report.Input{Consultation: c}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, _, err := a.store.GetPatient(gctx, c.PatientID)
		in.Patient = p
		return err
	})
	g.Go(func() error {
		d, _, err := a.store.GetDoctor(gctx, c.DoctorID)
		in.Doctor = d
		return err
	})
	g.Go(func() error {
		s, err := a.store.ListSymptoms(gctx, c.ID)
		in.Symptoms = s
		return err
	})
	g.Go(func() error {
		h, err := a.store.ListHypotheses(gctx, c.ID)
		in.Hypotheses = h
		return err
	})
	if err := g.Wait(); err != nil {
		return report.Input{}, fmt.Errorf("load report data: %w", err)
	}
	return in, nil
}

// RelayOutbox enqueues ledger writes for pending outbox rows untouched for
// at least after, and returns how many it enqueued.
func (a *App) RelayOutbox(ctx context.Context, after time.Duration, batch int) (int, error) {
	now := a.now()
	pending, err := a.store.ListOutbox(ctx, domain.OutboxPending, now.Add(-after), batch)
	if err != nil {
		return 0, fmt.Errorf("list pending outbox: %w", err)
	}
	n := 0
	for _, entry := range pending {
		if _, err := a.jobs.Enqueue(ctx, queue.KindLedgerAppend, entry.ConsultationID); err != nil {
			return n, fmt.Errorf("enqueue ledger write %d: %w", entry.ConsultationID, err)
		}
		if err := a.store.TouchOutbox(ctx, entry.ConsultationID, now); err != nil {
			return n, fmt.Errorf("touch outbox %d: %w", entry.ConsultationID, err)
		}
		n++
	}
	return n, nil
}

// RunOutboxRelay calls RelayOutbox every interval until ctx is done.
func (a *App) RunOutboxRelay(ctx context.Context, interval, after time.Duration, batch int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if after <= 0 {
		after = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := a.RelayOutbox(ctx, after, batch)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger(ctx).Warn("outbox relay failed", "relayed", n, "err", err)
			continue
		}
		if n > 0 {
			logger(ctx).Info("outbox relay enqueued ledger writes", "count", n)
		}
	}
}

// ListOutbox returns outbox rows in a status, oldest first.
func (a *App) ListOutbox(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxEntry, error) {
	return a.store.ListOutbox(ctx, status, a.now().Add(time.Second), limit)
}

// RetryOutbox puts a failed ledger write back in the queue with a fresh
// attempt budget. Rejected and recorded entries cannot be retried.
func (a *App) RetryOutbox(ctx context.Context, consultationID int64) (domain.OutboxEntry, error) {
	entry, ok, err := a.store.GetOutbox(ctx, consultationID)
	if err != nil {
		return domain.OutboxEntry{}, fmt.Errorf("load outbox: %w", err)
	}
	if !ok {
		return domain.OutboxEntry{}, fmt.Errorf("outbox entry %d: %w", consultationID, domain.ErrNotFound)
	}
	if entry.Status != domain.OutboxFailed {
		return domain.OutboxEntry{}, fmt.Errorf("outbox entry %d is %s: %w", consultationID, entry.Status, domain.ErrInvalidState)
	}
	prevAttempts := entry.Attempts
	entry.Status = domain.OutboxPending
	entry.Attempts = 0
	entry.UpdatedAt = a.now()
	applied, err := a.store.UpdateOutbox(ctx, entry, domain.OutboxFailed, prevAttempts)
	if err != nil {
		return domain.OutboxEntry{}, fmt.Errorf("save outbox: %w", err)
	}
	if !applied {
		return domain.OutboxEntry{}, fmt.Errorf("outbox entry %d changed concurrently: %w", consultationID, domain.ErrInvalidState)
	}
	if _, err := a.jobs.Enqueue(ctx, queue.KindLedgerAppend, consultationID); err != nil {
		logger(ctx).Warn("enqueue ledger retry failed, relay will retry", "consultationId", consultationID, "err", err)
	}
	return entry, nil
}
