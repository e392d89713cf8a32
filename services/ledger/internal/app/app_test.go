package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"medconsult/pkg/domain"
	"medconsult/pkg/ledger"
	"medconsult/services/ledger/internal/chain"
)

func newTestApp(t *testing.T) (*App, *chain.MemoryStore) {
	t.Helper()
	store := chain.NewMemoryStore()
	fixed := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	a, err := New(Config{Store: store, Now: func() time.Time { return fixed }})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, store
}

func record(id int64) domain.DiagnosisRecord {
	return domain.DiagnosisRecord{
		ConsultationID: id,
		PatientID:      7,
		DoctorID:       1,
		Diagnosis:      "Acute sinusitis",
		Hypotheses: [domain.LedgerHypothesisSlots]domain.Condition{
			{Condition: "sinusitis", Confidence: 70},
			{Condition: "rhinitis", Confidence: 20},
			{Condition: "abscess", Confidence: 10},
		},
	}
}

func TestAppendChainsAndIsIdempotent(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	first, err := a.Append(ctx, record(1))
	if err != nil || !first.Accepted {
		t.Fatalf("append 1: receipt=%+v err=%v", first, err)
	}
	want, _ := ledger.ChainHash("", record(1))
	if first.TxHash != want {
		t.Fatalf("genesis hash = %s, want %s", first.TxHash, want)
	}
	second, err := a.Append(ctx, record(2))
	if err != nil || !second.Accepted {
		t.Fatalf("append 2: receipt=%+v err=%v", second, err)
	}
	want, _ = ledger.ChainHash(first.TxHash, record(2))
	if second.TxHash != want {
		t.Fatalf("second hash not chained to the first")
	}

	again, err := a.Append(ctx, record(1))
	if err != nil || !again.Accepted || again.TxHash != first.TxHash {
		t.Fatalf("resubmission: receipt=%+v err=%v", again, err)
	}

	changed := record(1)
	changed.Diagnosis = "Something else"
	refused, err := a.Append(ctx, changed)
	if err != nil {
		t.Fatalf("append changed: %v", err)
	}
	if refused.Accepted || refused.TxHash != "" {
		t.Fatalf("expected refusal, got %+v", refused)
	}
	stored, err := a.Read(ctx, 1)
	if err != nil || stored.Diagnosis != "Acute sinusitis" {
		t.Fatalf("stored record changed: %+v err=%v", stored, err)
	}
}

func TestAppendRejectsMissingConsultation(t *testing.T) {
	a, _ := newTestApp(t)
	if _, err := a.Append(context.Background(), domain.DiagnosisRecord{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestReadUnknownIsNotFound(t *testing.T) {
	a, _ := newTestApp(t)
	if _, err := a.Read(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAnchorDocument(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	digest := strings.Repeat("ab", 32)
	doc := ledger.Document{ConsultationID: 1, Name: "report.pdf", SHA256: digest}

	if _, err := a.AnchorDocument(ctx, doc); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("anchoring before the record: %v", err)
	}
	if _, err := a.Append(ctx, record(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	added, err := a.AnchorDocument(ctx, doc)
	if err != nil || !added {
		t.Fatalf("anchor: added=%v err=%v", added, err)
	}
	doc.SHA256 = strings.ToUpper(digest)
	added, err = a.AnchorDocument(ctx, doc)
	if err != nil || added {
		t.Fatalf("re-anchor: added=%v err=%v", added, err)
	}

	docs, err := a.ListDocuments(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].SHA256 != digest || docs[0].AnchoredAt.IsZero() {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	if _, err := a.ListDocuments(ctx, 9); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("list unknown: %v", err)
	}
}

func TestAnchorDocumentValidation(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	if _, err := a.Append(ctx, record(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	cases := []struct {
		name string
		doc  ledger.Document
	}{
		{"blank name", ledger.Document{ConsultationID: 1, SHA256: strings.Repeat("0", 64)}},
		{"short digest", ledger.Document{ConsultationID: 1, Name: "r.pdf", SHA256: "abc"}},
		{"non hex digest", ledger.Document{ConsultationID: 1, Name: "r.pdf", SHA256: strings.Repeat("z", 64)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.AnchorDocument(ctx, tc.doc); !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestVerifyChain(t *testing.T) {
	a, store := newTestApp(t)
	ctx := context.Background()

	report, err := a.VerifyChain(ctx)
	if err != nil || !report.Valid || report.Entries != 0 {
		t.Fatalf("empty chain: %+v err=%v", report, err)
	}
	var last ledger.Receipt
	for id := int64(1); id <= 3; id++ {
		if last, err = a.Append(ctx, record(id)); err != nil {
			t.Fatalf("append %d: %v", id, err)
		}
	}
	report, err = a.VerifyChain(ctx)
	if err != nil || !report.Valid || report.Entries != 3 || report.Head != last.TxHash {
		t.Fatalf("intact chain: %+v err=%v", report, err)
	}

	store.Tamper(2, func(e *chain.Entry) { e.Record.Hypotheses[0].Confidence = 99 })
	report, err = a.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || report.BrokenAt != 2 || report.Reason != "record hash does not match" {
		t.Fatalf("tampered record: %+v", report)
	}

	store.Tamper(2, func(e *chain.Entry) {
		e.Record.Hypotheses[0].Confidence = 70
		e.PrevHash = "deadbeef"
	})
	report, _ = a.VerifyChain(ctx)
	if report.Valid || report.BrokenAt != 2 || report.Reason != "previous hash does not match" {
		t.Fatalf("broken link: %+v", report)
	}
}
