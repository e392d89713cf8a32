// Package chain persists the ledger's hash-chained diagnosis entries and
// the document digests anchored to them.
package chain

import (
	"context"
	"time"

	"medconsult/pkg/domain"
	"medconsult/pkg/ledger"
)

// Entry is one link of the chain. Hash is ledger.ChainHash(PrevHash, Record).
type Entry struct {
	Seq            int64
	ConsultationID int64
	Record         domain.DiagnosisRecord
	PrevHash       string
	Hash           string
	CreatedAt      time.Time
}

// Tx sees the chain while appends are serialized.
type Tx interface {
	Head(ctx context.Context) (Entry, bool, error)
	Get(ctx context.Context, consultationID int64) (Entry, bool, error)
	// Insert appends e and assigns its Seq.
	Insert(ctx context.Context, e *Entry) error
}

// Store is the ledger's persistence port.
type Store interface {
	// WithChainLock runs fn while holding the chain's append lock.
	WithChainLock(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, consultationID int64) (Entry, bool, error)
	// Walk calls fn for every entry in Seq order, stopping at the first error.
	Walk(ctx context.Context, fn func(Entry) error) error
	// AddDocument stores doc unless the same digest is already anchored to
	// the consultation, and reports whether it was added.
	AddDocument(ctx context.Context, doc ledger.Document) (bool, error)
	ListDocuments(ctx context.Context, consultationID int64) ([]ledger.Document, error)
}
