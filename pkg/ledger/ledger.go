// Package ledger is the client side of the append-only diagnosis ledger.
package ledger

import (
	"context"
	"time"

	"medconsult/pkg/domain"
)

// Receipt is the outcome of an append. Accepted is false when the ledger
// refused the record; that is a logical failure, distinct from a transport
// error returned alongside a zero Receipt.
type Receipt struct {
	TxHash   string `json:"txHash"`
	Accepted bool   `json:"accepted"`
}

// Document is an off-ledger artifact whose digest is anchored to a record.
type Document struct {
	ConsultationID int64     `json:"consultationId"`
	Name           string    `json:"name"`
	SHA256         string    `json:"sha256"`
	ObjectKey      string    `json:"objectKey,omitempty"`
	AnchoredAt     time.Time `json:"anchoredAt"`
}

// Gateway appends and reads diagnosis records keyed by consultation id.
// Append is idempotent: resubmitting an identical record returns the
// original receipt.
type Gateway interface {
	Append(ctx context.Context, rec domain.DiagnosisRecord) (Receipt, error)
	Read(ctx context.Context, consultationID int64) (domain.DiagnosisRecord, bool, error)
	AnchorDocument(ctx context.Context, doc Document) error
	ListDocuments(ctx context.Context, consultationID int64) ([]Document, error)
}
