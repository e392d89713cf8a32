package app

import (
	"context"
	"fmt"
	"time"

	"medconsult/pkg/domain"
)

const (
	defaultReportLinkTTL = 15 * time.Minute
	maxReportLinkTTL     = 24 * time.Hour
)

// ReportLink is a time-limited download link for an archived report, with
// the digest the ledger anchored for it.
type ReportLink struct {
	ConsultationID int64     `json:"consultationId"`
	URL            string    `json:"url"`
	SHA256         string    `json:"sha256"`
	AnchoredAt     time.Time `json:"anchoredAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ReportLink presigns the archived report of a consultation the actor owns.
// A zero ttl means the default; longer ttls are clamped.
func (a *App) ReportLink(ctx context.Context, actor domain.Actor, consultationID int64, ttl time.Duration) (ReportLink, error) {
	if _, err := a.loadOwned(ctx, actor, consultationID); err != nil {
		return ReportLink{}, err
	}
	if a.reports == nil {
		return ReportLink{}, fmt.Errorf("report archive disabled: %w", domain.ErrNotFound)
	}
	docs, err := a.ledger.ListDocuments(ctx, consultationID)
	if err != nil {
		return ReportLink{}, fmt.Errorf("list anchored documents: %w: %v", domain.ErrLedgerFailure, err)
	}
	// The newest anchor wins when a report was re-archived.
	var key string
	link := ReportLink{ConsultationID: consultationID}
	for _, d := range docs {
		if d.Name != reportDocumentName || d.ObjectKey == "" {
			continue
		}
		if key == "" || d.AnchoredAt.After(link.AnchoredAt) {
			key = d.ObjectKey
			link.SHA256 = d.SHA256
			link.AnchoredAt = d.AnchoredAt
		}
	}
	if key == "" {
		return ReportLink{}, fmt.Errorf("consultation %d has no archived report: %w", consultationID, domain.ErrNotFound)
	}

	switch {
	case ttl <= 0:
		ttl = defaultReportLinkTTL
	case ttl > maxReportLinkTTL:
		ttl = maxReportLinkTTL
	}
	url, err := a.reports.PresignGet(ctx, key, ttl)
	if err != nil {
		return ReportLink{}, fmt.Errorf("presign report: %w", err)
	}
	link.URL = url
	link.ExpiresAt = a.now().Add(ttl)
	return link, nil
}
