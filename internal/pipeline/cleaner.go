package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"skyplanner/internal"
	"skyplanner/internal/util"
)

const (
	RuleEmptyRow       = "empty_row"
	RuleSummaryRow     = "summary_row"
	RuleDuplicateRow   = "duplicate_row"
	RuleStripInvisible = "strip_invisible"
	RuleTrim           = "trim"
	RuleCollapseSpace  = "collapse_whitespace"
	RuleFixEncoding    = "fix_encoding"
	RuleEmptyToken     = "empty_token"
	RulePadPostnummer  = "pad_postnummer"
	RuleNormalizePhone = "normalize_phone"
)

var summaryKeywords = []string{"sum", "summer", "total", "totalt", "i alt", "subtotal", "antall", "gjennomsnitt"}

// emptyTokens holds placeholders only. Short words that double as names ("Tom", "Na", "Nil")
// are not listed.
var emptyTokens = map[string]bool{
	"-": true, "--": true, "---": true, ".": true, "?": true,
	"n/a": true, "n.a.": true, "null": true,
	"ingen": true, "ukjent": true, "mangler": true, "ikke oppgitt": true,
}

// mojibake maps UTF-8 text that was decoded as Latin-1 back to the intended characters.
var mojibake = strings.NewReplacer(
	"Ã¦", "æ", "Ã¸", "ø", "Ã¥", "å",
	"Ã†", "Æ", "Ã˜", "Ø", "Ã…", "Å",
	"Ã©", "é", "Ã¨", "è", "Ã¶", "ö", "Ã¤", "ä", "Ã¼", "ü",
	"â€™", "'", "â€œ", "\"", "â€\u009d", "\"", "â€“", "-",
)

type CellChange struct {
	RowIndex      int     `json:"rowIndex"`
	Column        string  `json:"column"`
	OriginalValue string  `json:"originalValue"`
	CleanedValue  *string `json:"cleanedValue"`
	RuleID        string  `json:"ruleId"`
}

type RowRemoval struct {
	RowIndex    int    `json:"rowIndex"`
	RuleID      string `json:"ruleId"`
	Reason      string `json:"reason"`
	DuplicateOf *int   `json:"duplicateOf,omitempty"`
}

type CleaningReport struct {
	TotalRows     int            `json:"totalRows"`
	RemainingRows int            `json:"remainingRows"`
	Changes       []CellChange   `json:"changes"`
	Removals      []RowRemoval   `json:"removals"`
	RuleCounts    map[string]int `json:"ruleCounts"`
}

type CleaningOptions struct {
	PostalColumns []string
	PhoneColumns  []string
}

// CleanRows drops empty, summary and duplicate rows, then normalizes every remaining cell.
// Running it twice on its own output changes nothing.
func CleanRows(headers []string, rows []SheetRow, opts CleaningOptions) ([]SheetRow, CleaningReport) {
	report := CleaningReport{
		TotalRows:  len(rows),
		Changes:    []CellChange{},
		Removals:   []RowRemoval{},
		RuleCounts: map[string]int{},
	}
	postal := toSet(opts.PostalColumns)
	phone := toSet(opts.PhoneColumns)

	remove := func(r RowRemoval) {
		report.Removals = append(report.Removals, r)
		report.RuleCounts[r.RuleID]++
	}

	seen := map[string]int{}
	out := make([]SheetRow, 0, len(rows))
	for _, row := range rows {
		filled := filledCells(headers, row.Cells)
		if filled == 0 {
			remove(RowRemoval{RowIndex: row.Number, RuleID: RuleEmptyRow, Reason: "tom rad"})
			continue
		}
		if isSummaryRow(headers, row.Cells, filled) {
			remove(RowRemoval{RowIndex: row.Number, RuleID: RuleSummaryRow, Reason: "summeringsrad"})
			continue
		}
		key := rowHash(headers, row.Cells)
		if first, ok := seen[key]; ok {
			dup := first
			remove(RowRemoval{RowIndex: row.Number, RuleID: RuleDuplicateRow, Reason: fmt.Sprintf("identisk med rad %d", first), DuplicateOf: &dup})
			continue
		}
		seen[key] = row.Number
		out = append(out, row)
	}

	for i := range out {
		row := &out[i]
		cleaned := make(internal.Record, len(row.Cells))
		for _, h := range headers {
			value, ok := row.Cells[h].(string)
			if !ok || value == "" {
				cleaned[h] = row.Cells[h]
				continue
			}
			result, changes := cleanCell(value, postal[h], phone[h])
			for _, c := range changes {
				c.RowIndex = row.Number
				c.Column = h
				report.Changes = append(report.Changes, c)
				report.RuleCounts[c.RuleID]++
			}
			if result == nil {
				cleaned[h] = nil
			} else {
				cleaned[h] = *result
			}
		}
		row.Cells = cleaned
	}

	report.RemainingRows = len(out)
	return out, report
}

// cleanCell applies the cell rules in order and records one change per rule that fired.
func cleanCell(value string, isPostal, isPhone bool) (*string, []CellChange) {
	var changes []CellChange
	current := value
	step := func(rule, next string) {
		if next != current {
			cleaned := next
			changes = append(changes, CellChange{OriginalValue: current, CleanedValue: &cleaned, RuleID: rule})
			current = next
		}
	}

	step(RuleStripInvisible, util.StripInvisible(current))
	step(RuleTrim, strings.TrimSpace(current))
	step(RuleCollapseSpace, util.CollapseSpaces(current))
	step(RuleFixEncoding, mojibake.Replace(current))

	if current == "" || emptyTokens[strings.ToLower(current)] {
		changes = append(changes, CellChange{OriginalValue: current, CleanedValue: nil, RuleID: RuleEmptyToken})
		return nil, changes
	}

	if isPostal {
		if digits := util.DigitsOnly(current); len(digits) == 3 && len(digits) == len(current) {
			step(RulePadPostnummer, "0"+digits)
		}
	}
	if isPhone {
		if formatted, ok := NormalizePhone(current); ok {
			step(RuleNormalizePhone, formatted)
		}
	}
	return &current, changes
}

func filledCells(headers []string, cells internal.Record) int {
	n := 0
	for _, h := range headers {
		if strings.TrimSpace(util.StripInvisible(cellString(cells[h]))) != "" {
			n++
		}
	}
	return n
}

// isSummaryRow: a cell starts with a summary keyword and at most half the columns are filled.
func isSummaryRow(headers []string, cells internal.Record, filled int) bool {
	if filled*2 > len(headers) {
		return false
	}
	for _, h := range headers {
		v := strings.ToLower(util.CollapseSpaces(util.StripInvisible(cellString(cells[h]))))
		if v == "" {
			continue
		}
		for _, kw := range summaryKeywords {
			if v == kw || strings.HasPrefix(v, kw+" ") || strings.HasPrefix(v, kw+":") {
				return true
			}
		}
	}
	return false
}

func rowHash(headers []string, cells internal.Record) string {
	h := sha256.New()
	for _, col := range headers {
		h.Write([]byte(strings.TrimSpace(cellString(cells[col]))))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
