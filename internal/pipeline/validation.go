package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"skyplanner/internal"
)

type ValidationSummary struct {
	Batch      *internal.ImportBatch
	Valid      int
	Warnings   int
	Invalid    int
	Duplicates []DuplicateResult
	Quality    QualityReport
}

// Validate re-checks every mapped row, flags duplicates and stores a quality report.
// Running it again replaces the previous errors.
func (s *Service) Validate(ctx context.Context, organizationID string, batchID int64, userID string) (*ValidationSummary, error) {
	batch, err := s.loadBatch(ctx, organizationID, batchID)
	if err != nil {
		return nil, err
	}
	if err := requireTransition(batch, internal.BatchValidating, "validate"); err != nil {
		return nil, err
	}
	cfg, err := ParseMappingConfig([]byte(batch.MappingJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: batch %d has no usable mapping", ErrInvalidState, batch.ID)
	}

	previous := batch.Status
	batch.Status = internal.BatchValidating
	if err := s.store.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}

	summary, err := s.validateRows(ctx, batch, cfg)
	if err != nil {
		s.restoreStatus(ctx, batch, previous)
		return nil, fmt.Errorf("validate batch %d: %w", batch.ID, err)
	}

	batch.Status = internal.BatchValidated
	if err := s.store.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}
	summary.Batch = batch

	s.audit(ctx, batch, userID, "validate", map[string]any{
		"valid":        summary.Valid,
		"warnings":     summary.Warnings,
		"invalid":      summary.Invalid,
		"duplicates":   len(summary.Duplicates),
		"overallScore": summary.Quality.OverallScore,
	})
	s.logger.Info("batch validated",
		zap.Int64("batch_id", batch.ID),
		zap.Int("valid", summary.Valid),
		zap.Int("warnings", summary.Warnings),
		zap.Int("invalid", summary.Invalid),
		zap.Int("duplicates", len(summary.Duplicates)),
	)
	return summary, nil
}

func (s *Service) validateRows(ctx context.Context, batch *internal.ImportBatch, cfg MappingConfig) (*ValidationSummary, error) {
	if err := s.store.DeleteValidationErrors(ctx, batch.ID); err != nil {
		return nil, err
	}
	rows, err := s.allRows(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.ListCustomers(ctx, batch.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load customers: %w", err)
	}

	results := make([]RowValidation, len(rows))
	records := make([]BatchRecord, len(rows))
	for i, r := range rows {
		if r.MappedData == nil {
			r.MappedData = internal.Record{}
		}
		results[i] = s.validator.ValidateRow(r.MappedData, cfg.ValidationRules)
		records[i] = BatchRecord{RowNumber: r.RowNumber, Data: r.MappedData}
	}

	duplicates := s.duplicates.Detect(records, existing)
	byRow := make(map[int]DuplicateResult, len(duplicates))
	for _, d := range duplicates {
		byRow[d.RowNumber] = d
	}

	summary := &ValidationSummary{Duplicates: duplicates}
	if summary.Duplicates == nil {
		summary.Duplicates = []DuplicateResult{}
	}
	var (
		allIssues []Issue
		errs      []internal.ValidationError
		quality   = make([]qualityRow, 0, len(rows))
	)
	for i, r := range rows {
		issues := results[i].Issues()
		status := results[i].Status()
		if d, ok := byRow[r.RowNumber]; ok {
			issues = append(issues, duplicateIssue(d))
			if status == internal.RowValid {
				status = internal.RowWarning
			}
		}

		switch status {
		case internal.RowValid:
			summary.Valid++
		case internal.RowWarning:
			summary.Warnings++
		case internal.RowInvalid:
			summary.Invalid++
		}

		for _, issue := range issues {
			errs = append(errs, internal.ValidationError{
				BatchID:        batch.ID,
				StagingRowID:   r.ID,
				RowNumber:      r.RowNumber,
				Severity:       issue.Severity,
				Code:           issue.Code,
				Field:          issue.Field,
				Message:        issue.Message,
				Suggestion:     issue.Suggestion,
				ExpectedFormat: issue.ExpectedFormat,
				ActualValue:    issue.ActualValue,
			})
		}
		allIssues = append(allIssues, issues...)
		quality = append(quality, qualityRow{status: status, data: r.MappedData, completeness: results[i].CompletenessScore})

		r.ValidationStatus = status
		if err := s.store.UpdateStagingRow(ctx, r); err != nil {
			return nil, fmt.Errorf("row %d: %w", r.RowNumber, err)
		}
	}

	for start := 0; start < len(errs); start += s.opts.ChunkSize {
		end := start + s.opts.ChunkSize
		if end > len(errs) {
			end = len(errs)
		}
		if err := s.store.InsertValidationErrors(ctx, errs[start:end]); err != nil {
			return nil, err
		}
	}

	summary.Quality = BuildQualityReport(quality, allIssues, len(duplicates))
	qualityJSON, err := json.Marshal(summary.Quality)
	if err != nil {
		return nil, err
	}
	batch.ValidCount = summary.Valid
	batch.WarningCount = summary.Warnings
	batch.ErrorCount = summary.Invalid
	batch.QualityJSON = string(qualityJSON)
	return summary, nil
}

func duplicateIssue(d DuplicateResult) Issue {
	top := d.Candidates[0]
	code, label := "POSSIBLE_DUPLICATE", "Mulig duplikat"
	if top.Confidence == ConfidenceHigh {
		code, label = "PROBABLE_DUPLICATE", "Sannsynlig duplikat"
	}

	var of string
	switch {
	case top.ExistingKundeID != nil:
		of = "eksisterende kunde " + strconv.FormatInt(*top.ExistingKundeID, 10)
	case top.BatchRowIndex != nil:
		of = "rad " + strconv.Itoa(*top.BatchRowIndex)
	}
	score := strconv.FormatFloat(top.Score, 'f', 2, 64)
	action := string(d.SuggestedAction)
	return Issue{
		Severity:    internal.SeverityWarning,
		Code:        code,
		Field:       FieldNavn,
		Message:     fmt.Sprintf("%s av %s (likhet %s)", label, of, score),
		Suggestion:  &action,
		ActualValue: &score,
	}
}
