package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplanner/internal"
)

func mkSheetRows(headers []string, values ...[]string) []SheetRow {
	out := make([]SheetRow, 0, len(values))
	for i, v := range values {
		cells := internal.Record{}
		for c, h := range headers {
			cells[h] = ""
			if c < len(v) {
				cells[h] = v[c]
			}
		}
		out = append(out, SheetRow{Number: i + 1, Cells: cells})
	}
	return out
}

func TestCleanRowsRemovesEmptySummaryAndDuplicateRows(t *testing.T) {
	headers := []string{"Navn", "Adresse", "Antall"}
	rows := mkSheetRows(headers,
		[]string{"Ole AS", "Storgata 5", "1"},
		[]string{"", " ", "\u200b"},
		[]string{"Kari AS", "Bakkeveien 2", "3"},
		[]string{"Ole AS", "Storgata 5", "1"},
		[]string{"Sum", "", ""},
	)

	out, report := CleanRows(headers, rows, CleaningOptions{})
	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Number)
	assert.Equal(t, 3, out[1].Number)

	assert.Equal(t, 5, report.TotalRows)
	assert.Equal(t, 2, report.RemainingRows)
	require.Len(t, report.Removals, 3)
	assert.Equal(t, RuleEmptyRow, report.Removals[0].RuleID)
	assert.Equal(t, 2, report.Removals[0].RowIndex)
	assert.Equal(t, RuleDuplicateRow, report.Removals[1].RuleID)
	require.NotNil(t, report.Removals[1].DuplicateOf)
	assert.Equal(t, 1, *report.Removals[1].DuplicateOf)
	assert.Equal(t, "identisk med rad 1", report.Removals[1].Reason)
	assert.Equal(t, RuleSummaryRow, report.Removals[2].RuleID)
	assert.Equal(t, 1, report.RuleCounts[RuleDuplicateRow])
}

func TestCleanRowsKeepsFullRowStartingWithSummaryWord(t *testing.T) {
	headers := []string{"Navn", "Adresse"}
	rows := mkSheetRows(headers, []string{"Total Elektro AS", "Industriveien 1"})

	out, report := CleanRows(headers, rows, CleaningOptions{})
	assert.Len(t, out, 1)
	assert.Empty(t, report.Removals)
}

func TestCleanRowsKeepsShortNames(t *testing.T) {
	headers := []string{"Navn", "Kontaktperson", "Notater"}
	rows := mkSheetRows(headers,
		[]string{"Tom Rør AS", "Tom", "Na"},
		[]string{"Nil Bygg", "None", "ingen"},
	)

	out, report := CleanRows(headers, rows, CleaningOptions{})
	require.Len(t, out, 2)
	assert.Equal(t, "Tom", out[0].Cells["Kontaktperson"])
	assert.Equal(t, "Na", out[0].Cells["Notater"])
	assert.Equal(t, "None", out[1].Cells["Kontaktperson"])
	assert.Nil(t, out[1].Cells["Notater"])
	assert.Equal(t, 1, report.RuleCounts[RuleEmptyToken])
}

func TestCleanRowsNormalizesCells(t *testing.T) {
	headers := []string{"Navn", "Postnr", "Tlf", "Kommentar"}
	rows := mkSheetRows(headers,
		[]string{"  BjÃ¸rn  AS ", "184", "+47 22334455", "n/a"},
	)

	out, report := CleanRows(headers, rows, CleaningOptions{PostalColumns: []string{"Postnr"}, PhoneColumns: []string{"Tlf"}})
	require.Len(t, out, 1)
	cells := out[0].Cells
	assert.Equal(t, "Bjørn AS", cells["Navn"])
	assert.Equal(t, "0184", cells["Postnr"])
	assert.Equal(t, "22 33 44 55", cells["Tlf"])
	assert.Nil(t, cells["Kommentar"])

	assert.Equal(t, 1, report.RuleCounts[RuleFixEncoding])
	assert.Equal(t, 1, report.RuleCounts[RulePadPostnummer])
	assert.Equal(t, 1, report.RuleCounts[RuleNormalizePhone])
	assert.Equal(t, 1, report.RuleCounts[RuleEmptyToken])
	for _, c := range report.Changes {
		assert.Equal(t, 1, c.RowIndex)
	}
}

func TestCleanRowsLeavesUnmarkedColumnsAlone(t *testing.T) {
	headers := []string{"Kundenr", "Telefon"}
	rows := mkSheetRows(headers, []string{"184", "22334455"})

	out, _ := CleanRows(headers, rows, CleaningOptions{})
	assert.Equal(t, "184", out[0].Cells["Kundenr"])
	assert.Equal(t, "22334455", out[0].Cells["Telefon"])
}

func TestCleanRowsIsIdempotent(t *testing.T) {
	headers := []string{"Navn", "Postnr", "Tlf"}
	rows := mkSheetRows(headers,
		[]string{" Ole   AS", "184", "0047 22 33 44 55"},
		[]string{"Kari AS", "-", "22334455"},
		[]string{"", "", ""},
	)
	opts := CleaningOptions{PostalColumns: []string{"Postnr"}, PhoneColumns: []string{"Tlf"}}

	first, _ := CleanRows(headers, rows, opts)
	second, report := CleanRows(headers, first, opts)
	assert.Equal(t, first, second)
	assert.Empty(t, report.Changes)
	assert.Empty(t, report.Removals)
}
