// Package report renders the archived PDF summary of a reviewed consultation.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"medconsult/pkg/domain"
)

// Input is everything printed on a consultation report.
type Input struct {
	Consultation domain.Consultation
	Patient      domain.Patient
	Doctor       domain.Doctor
	Symptoms     []domain.Symptom
	Hypotheses   []domain.Hypothesis
	TxHash       string
	GeneratedAt  time.Time
}

// Render returns the report as PDF bytes.
func Render(in Input) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	generated := in.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}
	pdf.SetTitle(fmt.Sprintf("Consultation %d", in.Consultation.ID), true)
	pdf.SetCreationDate(generated)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, tr("Medical consultation report"))
	pdf.Ln(14)

	pdf.SetFont("Helvetica", "", 11)
	line := func(label, value string) {
		pdf.CellFormat(45, 7, tr(label), "", 0, "", false, 0, "")
		pdf.MultiCell(0, 7, tr(value), "", "", false)
	}
	line("Consultation", fmt.Sprintf("#%d", in.Consultation.ID))
	line("Date", generated.Format("2006-01-02 15:04 MST"))
	line("Patient", fmt.Sprintf("%s (#%d)", in.Patient.FullName, in.Consultation.PatientID))
	line("Doctor", fmt.Sprintf("%s (#%d)", in.Doctor.FullName, in.Consultation.DoctorID))
	line("Outcome", string(in.Consultation.State))
	pdf.Ln(4)

	section := func(title string) {
		pdf.SetFont("Helvetica", "B", 13)
		pdf.Cell(0, 9, tr(title))
		pdf.Ln(9)
		pdf.SetFont("Helvetica", "", 11)
	}

	section("Diagnosis")
	pdf.MultiCell(0, 6, tr(orDash(in.Consultation.Diagnosis)), "", "", false)
	pdf.Ln(3)

	section("Chat summary")
	pdf.MultiCell(0, 6, tr(orDash(in.Consultation.ChatSummary)), "", "", false)
	pdf.Ln(3)

	section("Symptoms")
	if len(in.Symptoms) == 0 {
		pdf.MultiCell(0, 6, "-", "", "", false)
	}
	for _, s := range in.Symptoms {
		pdf.MultiCell(0, 6, tr("- "+s.Label), "", "", false)
	}
	pdf.Ln(3)

	section("Hypotheses")
	if len(in.Hypotheses) == 0 {
		pdf.MultiCell(0, 6, "-", "", "", false)
	}
	for _, h := range in.Hypotheses {
		pdf.MultiCell(0, 6, tr(fmt.Sprintf("- %s (confidence %d)", h.Condition, h.Confidence)), "", "", false)
	}

	if in.TxHash != "" {
		pdf.Ln(6)
		pdf.SetFont("Courier", "", 8)
		pdf.MultiCell(0, 5, "Ledger transaction: "+in.TxHash, "", "", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
