package pipeline

import (
	"fmt"
	"math"
	"sort"

	"skyplanner/internal"
)

type ErrorCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

type QualityReport struct {
	TotalRows           int                `json:"totalRows"`
	ValidRows           int                `json:"validRows"`
	WarningRows         int                `json:"warningRows"`
	InvalidRows         int                `json:"invalidRows"`
	DuplicateRows       int                `json:"duplicateRows"`
	ValidityPct         float64            `json:"validityPct"`
	AverageCompleteness float64            `json:"averageCompleteness"`
	FieldCoverage       map[string]float64 `json:"fieldCoverage"`
	CoveragePct         float64            `json:"coveragePct"`
	TopErrors           []ErrorCount       `json:"topErrors"`
	Suggestions         []string           `json:"suggestions"`
	OverallScore        float64            `json:"overallScore"`
}

type qualityRow struct {
	status       internal.ValidationStatus
	data         internal.Record
	completeness float64
}

// BuildQualityReport scores a validated batch. Percentages are 0-100; the overall score is
// 40% validity, 40% average completeness and 20% coverage of the weighted fields.
func BuildQualityReport(rows []qualityRow, issues []Issue, duplicates int) QualityReport {
	report := QualityReport{
		TotalRows:     len(rows),
		DuplicateRows: duplicates,
		FieldCoverage: map[string]float64{},
		TopErrors:     []ErrorCount{},
		Suggestions:   []string{},
	}
	if len(rows) == 0 {
		return report
	}

	filled := map[string]int{}
	completeness := 0.0
	for _, r := range rows {
		switch r.status {
		case internal.RowValid:
			report.ValidRows++
		case internal.RowWarning:
			report.WarningRows++
		case internal.RowInvalid:
			report.InvalidRows++
		}
		completeness += r.completeness
		for _, f := range CanonicalFields {
			if recordString(r.data, f.Name) != "" {
				filled[f.Name]++
			}
		}
	}

	total := float64(len(rows))
	report.ValidityPct = round1(float64(report.ValidRows+report.WarningRows) / total * 100)
	report.AverageCompleteness = round1(completeness / total * 100)

	coverageSum, coverageFields := 0.0, 0
	for _, f := range CanonicalFields {
		pct := round1(float64(filled[f.Name]) / total * 100)
		report.FieldCoverage[f.Name] = pct
		if f.Weight > 0 {
			coverageSum += pct
			coverageFields++
		}
	}
	if coverageFields > 0 {
		report.CoveragePct = round1(coverageSum / float64(coverageFields))
	}

	counts := map[string]int{}
	for _, i := range issues {
		if i.Severity == internal.SeverityInfo {
			continue
		}
		counts[i.Code]++
	}
	for code, n := range counts {
		report.TopErrors = append(report.TopErrors, ErrorCount{Code: code, Count: n})
	}
	sort.Slice(report.TopErrors, func(a, b int) bool {
		if report.TopErrors[a].Count != report.TopErrors[b].Count {
			return report.TopErrors[a].Count > report.TopErrors[b].Count
		}
		return report.TopErrors[a].Code < report.TopErrors[b].Code
	})
	if len(report.TopErrors) > 5 {
		report.TopErrors = report.TopErrors[:5]
	}

	report.OverallScore = round1(0.4*report.ValidityPct + 0.4*report.AverageCompleteness + 0.2*report.CoveragePct)
	report.Suggestions = qualitySuggestions(report, counts)
	return report
}

var codeAdvice = map[string]string{
	"REQUIRED":           "Fyll inn manglende kundenavn og adresse; rader uten disse blir ikke importert.",
	"MIN_LENGTH":         "Noen navn eller adresser er svært korte. Kontroller at kolonnene er riktig koblet.",
	"INVALID_EMAIL":      "Rett opp ugyldige e-postadresser.",
	"EMAIL_TYPO":         "Noen e-postadresser ser ut til å ha skrivefeil i domenet.",
	"INVALID_POSTNUMMER": "Postnummer må være 4 siffer. Sjekk at ledende null ikke er fjernet i Excel.",
	"POSTSTED_MISMATCH":  "Poststed stemmer ikke med postnummer for noen rader.",
	"INVALID_PHONE":      "Noen telefonnummer har færre enn 8 siffer.",
	"INVALID_DATE":       "Noen datoer kunne ikke leses. Bruk formatet DD.MM.ÅÅÅÅ.",
	"DATE_ORDER":         "Neste kontroll må være etter siste kontroll.",
	"PROBABLE_DUPLICATE": "Filen inneholder sannsynlige duplikater. Se gjennom før import.",
	"POSSIBLE_DUPLICATE": "Filen inneholder mulige duplikater.",
}

func qualitySuggestions(report QualityReport, counts map[string]int) []string {
	out := []string{}
	for _, e := range report.TopErrors {
		if advice, ok := codeAdvice[e.Code]; ok {
			out = append(out, fmt.Sprintf("%s (%d)", advice, e.Count))
		}
	}
	for _, f := range CanonicalFields {
		if f.Weight == 0 || f.Required {
			continue
		}
		if cov := report.FieldCoverage[f.Name]; cov < 50 {
			out = append(out, fmt.Sprintf("%s mangler for %.0f%% av radene.", f.Label, 100-cov))
		}
	}
	if len(out) > 8 {
		out = out[:8]
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
