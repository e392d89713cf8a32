package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"medconsult/pkg/domain"
	"medconsult/pkg/queue"
	"medconsult/pkg/storage"
)

func TestReportLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.consultationIn(t, domain.StateValidated)

	if _, err := h.app.ReportLink(ctx, patient, c.ID, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("before archiving: %v", err)
	}
	if err := h.app.HandleJob(ctx, ledgerJob(c.ID)); err != nil {
		t.Fatalf("ledger append: %v", err)
	}
	if err := h.app.HandleJob(ctx, queue.JobStatus{Kind: queue.KindReportArchive, ConsultationID: c.ID}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if md := h.reports.Metadata(storage.ReportKey(c.ID)); md["consultation-id"] == "" || md["sha256"] == "" {
		t.Fatalf("report metadata = %v", md)
	}

	link, err := h.app.ReportLink(ctx, patient, c.ID, 48*time.Hour)
	if err != nil {
		t.Fatalf("report link: %v", err)
	}
	if !strings.HasPrefix(link.URL, "memory://"+storage.ReportKey(c.ID)) || link.SHA256 == "" {
		t.Fatalf("link = %+v", link)
	}
	if !strings.HasSuffix(link.URL, "expires=86400") {
		t.Fatalf("ttl was not clamped: %s", link.URL)
	}
	if _, err := h.app.ReportLink(ctx, doctor, c.ID, time.Minute); err != nil {
		t.Fatalf("assigned doctor: %v", err)
	}
	stranger := domain.Actor{UserID: 99, Role: domain.RolePatient}
	if _, err := h.app.ReportLink(ctx, stranger, c.ID, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger: %v", err)
	}
}

func TestReportLinkWithoutObjectStore(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Reports = nil })
	c := h.consultationIn(t, domain.StateValidated)
	if _, err := h.app.ReportLink(context.Background(), patient, c.ID, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
