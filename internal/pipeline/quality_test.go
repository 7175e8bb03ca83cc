package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"skyplanner/internal"
)

func TestBuildQualityReport(t *testing.T) {
	full := internal.Record{FieldNavn: "Ole AS", FieldAdresse: "Storgata 5", FieldPostnummer: "0184", FieldPoststed: "Oslo"}
	rows := []qualityRow{
		{status: internal.RowValid, data: full, completeness: Completeness(full)},
		{status: internal.RowWarning, data: full, completeness: Completeness(full)},
		{status: internal.RowInvalid, data: internal.Record{FieldNavn: "X"}, completeness: 0},
		{status: internal.RowInvalid, data: internal.Record{}, completeness: 0},
	}
	issues := []Issue{
		{Severity: internal.SeverityError, Code: "REQUIRED"},
		{Severity: internal.SeverityError, Code: "REQUIRED"},
		{Severity: internal.SeverityError, Code: "MIN_LENGTH"},
		{Severity: internal.SeverityWarning, Code: "POSTSTED_MISMATCH"},
		{Severity: internal.SeverityInfo, Code: "UNKNOWN_POSTNUMMER"},
	}

	report := BuildQualityReport(rows, issues, 1)
	assert.Equal(t, 4, report.TotalRows)
	assert.Equal(t, 1, report.ValidRows)
	assert.Equal(t, 1, report.WarningRows)
	assert.Equal(t, 2, report.InvalidRows)
	assert.Equal(t, 1, report.DuplicateRows)
	assert.Equal(t, 50.0, report.ValidityPct)
	assert.Equal(t, 75.0, report.FieldCoverage[FieldNavn])
	assert.Equal(t, 50.0, report.FieldCoverage[FieldAdresse])
	assert.Equal(t, 0.0, report.FieldCoverage[FieldEpost])

	assert.Equal(t, []ErrorCount{
		{Code: "REQUIRED", Count: 2},
		{Code: "MIN_LENGTH", Count: 1},
		{Code: "POSTSTED_MISMATCH", Count: 1},
	}, report.TopErrors)

	want := round1(0.4*report.ValidityPct + 0.4*report.AverageCompleteness + 0.2*report.CoveragePct)
	assert.Equal(t, want, report.OverallScore)
	assert.NotEmpty(t, report.Suggestions)
	assert.LessOrEqual(t, len(report.Suggestions), 8)
}

func TestBuildQualityReportEmpty(t *testing.T) {
	report := BuildQualityReport(nil, nil, 0)
	assert.Equal(t, 0, report.TotalRows)
	assert.Equal(t, 0.0, report.OverallScore)
	assert.NotNil(t, report.TopErrors)
}

func TestBatchTransitions(t *testing.T) {
	assert.True(t, CanTransition(internal.BatchParsed, internal.BatchMapping))
	assert.True(t, CanTransition(internal.BatchValidated, internal.BatchMapping))
	assert.True(t, CanTransition(internal.BatchValidated, internal.BatchCommitting))
	assert.True(t, CanTransition(internal.BatchCommitted, internal.BatchCancelled))
	assert.False(t, CanTransition(internal.BatchParsed, internal.BatchValidating))
	assert.False(t, CanTransition(internal.BatchMapped, internal.BatchCommitting))
	assert.False(t, CanTransition(internal.BatchCommitting, internal.BatchCancelled))
	assert.False(t, CanTransition(internal.BatchCancelled, internal.BatchMapping))
	assert.True(t, IsTerminal(internal.BatchCancelled))
	assert.False(t, IsTerminal(internal.BatchCommitted))
}
