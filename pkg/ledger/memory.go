package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"medconsult/pkg/domain"
)

// MemoryLedger is an in-process Gateway with the same idempotency rules as
// the ledger service. Used by tests and single-binary development setups.
type MemoryLedger struct {
	mu        sync.Mutex
	records   map[int64]domain.DiagnosisRecord
	hashes    map[int64]string
	documents map[int64][]Document
	head      string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:   make(map[int64]domain.DiagnosisRecord),
		hashes:    make(map[int64]string),
		documents: make(map[int64][]Document),
	}
}

func (l *MemoryLedger) Append(_ context.Context, rec domain.DiagnosisRecord) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.records[rec.ConsultationID]; ok {
		if existing == rec {
			return Receipt{TxHash: l.hashes[rec.ConsultationID], Accepted: true}, nil
		}
		return Receipt{Accepted: false}, nil
	}
	hash, err := ChainHash(l.head, rec)
	if err != nil {
		return Receipt{}, err
	}
	l.records[rec.ConsultationID] = rec
	l.hashes[rec.ConsultationID] = hash
	l.head = hash
	return Receipt{TxHash: hash, Accepted: true}, nil
}

func (l *MemoryLedger) Read(_ context.Context, consultationID int64) (domain.DiagnosisRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[consultationID]
	return rec, ok, nil
}

func (l *MemoryLedger) AnchorDocument(_ context.Context, doc Document) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[doc.ConsultationID]; !ok {
		return domain.ErrNotFound
	}
	if doc.AnchoredAt.IsZero() {
		doc.AnchoredAt = time.Now().UTC()
	}
	l.documents[doc.ConsultationID] = append(l.documents[doc.ConsultationID], doc)
	return nil
}

func (l *MemoryLedger) ListDocuments(_ context.Context, consultationID int64) ([]Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Document(nil), l.documents[consultationID]...), nil
}

// Put overwrites a record without chaining. Tests use it to simulate a
// ledger that diverged from the store.
func (l *MemoryLedger) Put(rec domain.DiagnosisRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.ConsultationID] = rec
}

// ChainHash returns sha256(prev || canonical JSON of rec) in hex.
func ChainHash(prev string, rec domain.DiagnosisRecord) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
