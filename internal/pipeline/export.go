package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"skyplanner/internal"
)

const (
	sheetRows    = "Rader"
	sheetQuality = "Kvalitet"
)

// ExportReport writes the batch's rows, issues and quality report to an xlsx file.
func (s *Service) ExportReport(ctx context.Context, organizationID string, batchID int64, outputPath string) error {
	batch, err := s.loadBatch(ctx, organizationID, batchID)
	if err != nil {
		return err
	}
	rows, err := s.allRows(ctx, batch.ID)
	if err != nil {
		return err
	}
	errs, err := s.store.ListValidationErrors(ctx, batch.ID)
	if err != nil {
		return err
	}
	var quality *QualityReport
	if batch.QualityJSON != "" {
		var q QualityReport
		if err := json.Unmarshal([]byte(batch.QualityJSON), &q); err == nil {
			quality = &q
		}
	}
	return ExportBatchReportToXLSX(batch, rows, errs, quality, outputPath)
}

func ExportBatchReportToXLSX(batch *internal.ImportBatch, rows []internal.StagingRow, errs []internal.ValidationError, quality *QualityReport, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetRows); err != nil {
		return err
	}

	headers := []string{"rad", "status", "handling", "kunde_id"}
	for _, field := range CanonicalFields {
		headers = append(headers, field.Name)
	}
	headers = append(headers, "feil")
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetRows, cell, h)
	}

	messages := map[int64][]string{}
	for _, e := range errs {
		messages[e.StagingRowID] = append(messages[e.StagingRowID], string(e.Severity)+": "+e.Message)
	}

	for i, row := range rows {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheetRows, cell, value)
		}

		set(1, row.RowNumber)
		set(2, string(row.ValidationStatus))
		if row.ActionTaken != nil {
			set(3, string(*row.ActionTaken))
		}
		if row.TargetKundeID != nil {
			set(4, *row.TargetKundeID)
		}
		for j, field := range CanonicalFields {
			set(5+j, recordString(row.MappedData, field.Name))
		}
		notes := messages[row.ID]
		if row.ErrorMessage != nil {
			notes = append(notes, *row.ErrorMessage)
		}
		set(5+len(CanonicalFields), strings.Join(notes, "\n"))
	}

	if _, err := f.NewSheet(sheetQuality); err != nil {
		return err
	}
	line := 1
	put := func(label string, value any) {
		a, _ := excelize.CoordinatesToCellName(1, line)
		b, _ := excelize.CoordinatesToCellName(2, line)
		_ = f.SetCellValue(sheetQuality, a, label)
		_ = f.SetCellValue(sheetQuality, b, value)
		line++
	}

	put("Fil", batch.FileName)
	put("Status", string(batch.Status))
	put("Rader", batch.RowCount)
	put("Gyldige", batch.ValidCount)
	put("Advarsler", batch.WarningCount)
	put("Ugyldige", batch.ErrorCount)
	if quality != nil {
		put("Samlet score", quality.OverallScore)
		put("Gyldighet %", quality.ValidityPct)
		put("Kompletthet %", quality.AverageCompleteness)
		put("Dekning %", quality.CoveragePct)
		put("Duplikater", quality.DuplicateRows)
		line++
		put("Felt", "Dekning %")
		for _, field := range CanonicalFields {
			put(field.Label, quality.FieldCoverage[field.Name])
		}
		line++
		put("Feilkode", "Antall")
		for _, e := range quality.TopErrors {
			put(e.Code, e.Count)
		}
		line++
		for _, s := range quality.Suggestions {
			put("Forslag", s)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}
