package reconciliation

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"payment-orchestration-backend/internal/models"
)

const (
	summarySheet       = "Summary"
	discrepanciesSheet = "Discrepancies"
)

var (
	summaryHeadings = []any{
		"Provider", "Total", "Reconciled", "Mismatches", "Missing locally",
		"Missing at provider", "Corrected", "Errors", "Completed",
	}
	discrepancyHeadings = []any{
		"Provider", "Kind", "Provider reference", "Transaction", "Local status",
		"Provider status", "Local amount", "Provider amount", "Corrected", "Note", "Recorded at",
	}
)

// WriteXLSX renders a report and its discrepancies as a two-sheet workbook.
func WriteXLSX(w io.Writer, report *models.ReconciliationReport, discrepancies []models.ReconciliationDiscrepancy) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(discrepanciesSheet); err != nil {
		return err
	}

	window := fmt.Sprintf("%s to %s", report.WindowStart.UTC().Format(time.RFC3339), report.WindowEnd.UTC().Format(time.RFC3339))
	if err := f.SetSheetRow(summarySheet, "A1", &[]any{"Report", report.ID.String(), "Window", window, "Auto-fix", report.AutoFix}); err != nil {
		return err
	}
	if err := f.SetSheetRow(summarySheet, "A3", &summaryHeadings); err != nil {
		return err
	}
	for i, r := range report.Results {
		row := []any{
			r.Provider, r.TotalPayments, r.Reconciled, r.Mismatches, r.MissingLocal,
			r.MissingProvider, r.Corrected, r.Errors, r.Completed,
		}
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+4), &row); err != nil {
			return err
		}
	}

	if err := f.SetSheetRow(discrepanciesSheet, "A1", &discrepancyHeadings); err != nil {
		return err
	}
	for i, d := range discrepancies {
		txID := ""
		if d.TransactionID != nil {
			txID = d.TransactionID.String()
		}
		row := []any{
			d.Provider, string(d.Kind), d.ProviderReference, txID, string(d.LocalStatus),
			string(d.ProviderStatus), amountCell(d.LocalAmount.Valid, d.LocalAmount.Decimal.StringFixed(2)),
			amountCell(d.ProviderAmount.Valid, d.ProviderAmount.Decimal.StringFixed(2)),
			d.Corrected, d.Note, d.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := f.SetSheetRow(discrepanciesSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}
	}

	return f.Write(w)
}

func amountCell(valid bool, v string) string {
	if !valid {
		return ""
	}
	return v
}
