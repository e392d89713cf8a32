// Package inference is the consultation service's view of the triage model:
// free-form chat replies, combined chat extraction and doctor-note rewriting.
package inference

import (
	"context"

	"medconsult/pkg/domain"
)

// Gateway is a stateless request/response client. Every call may fail with a
// transport or service error; callers abort the enclosing transition.
type Gateway interface {
	Chat(ctx context.Context, transcript []domain.Turn) (string, error)
	Extract(ctx context.Context, transcript []domain.Turn) (domain.Extraction, error)
	ImproveNote(ctx context.Context, target domain.ConsultationState, note string, transcript []domain.Turn) (string, error)
}
