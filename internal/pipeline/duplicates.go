package pipeline

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"skyplanner/internal"
	"skyplanner/internal/util"
)

type DuplicateConfidence string

const (
	ConfidenceHigh   DuplicateConfidence = "high"
	ConfidenceMedium DuplicateConfidence = "medium"
)

type DuplicateAction string

const (
	ActionSuggestCreate DuplicateAction = "create"
	ActionSuggestUpdate DuplicateAction = "update"
	ActionSuggestReview DuplicateAction = "review"
)

// duplicateWeights: only fields present on both sides count towards the score.
var duplicateWeights = []struct {
	field  string
	weight float64
}{
	{FieldEpost, 0.5},
	{FieldNavn, 0.4},
	{FieldAdresse, 0.3},
	{FieldTelefon, 0.3},
	{FieldPostnummer, 0.1},
}

var reCompanySuffix = regexp.MustCompile(`(^|\s)a\s*[/.]\s*s\.?(\s|$)`)

var streetAbbreviations = map[string]string{
	"gt": "gate", "vn": "veien", "pb": "postboks", "pl": "plass",
}

type DuplicateCandidate struct {
	ExistingKundeID *int64              `json:"existingKundeId,omitempty"`
	BatchRowIndex   *int                `json:"batchRowIndex,omitempty"`
	Score           float64             `json:"score"`
	Confidence      DuplicateConfidence `json:"confidence"`
	FieldScores     map[string]float64  `json:"fieldScores"`
}

type DuplicateResult struct {
	RowNumber       int                  `json:"rowNumber"`
	Candidates      []DuplicateCandidate `json:"candidates"`
	SuggestedAction DuplicateAction      `json:"suggestedAction"`
}

// BatchRecord is a mapped row identified by its row number.
type BatchRecord struct {
	RowNumber int
	Data      internal.Record
}

type DuplicateDetector struct {
	high   float64
	medium float64
}

func NewDuplicateDetector(high, medium float64) *DuplicateDetector {
	return &DuplicateDetector{high: high, medium: medium}
}

// Score is the weighted average of field similarities over the fields both records have.
// It is symmetric in its arguments.
func (d *DuplicateDetector) Score(a, b internal.Record) (float64, map[string]float64) {
	fieldScores := map[string]float64{}
	sum, weights := 0.0, 0.0
	for _, w := range duplicateWeights {
		va, vb := recordString(a, w.field), recordString(b, w.field)
		if va == "" || vb == "" {
			continue
		}
		s := fieldSimilarity(w.field, va, vb)
		fieldScores[w.field] = s
		sum += s * w.weight
		weights += w.weight
	}
	if weights == 0 {
		return 0, fieldScores
	}
	return sum / weights, fieldScores
}

func (d *DuplicateDetector) confidence(score float64) (DuplicateConfidence, bool) {
	switch {
	case score >= d.high:
		return ConfidenceHigh, true
	case score >= d.medium:
		return ConfidenceMedium, true
	default:
		return "", false
	}
}

// Detect compares every row with the existing customers and with earlier rows in the batch.
// Only rows with at least one candidate are returned.
func (d *DuplicateDetector) Detect(rows []BatchRecord, existing []internal.Customer) []DuplicateResult {
	existingRecords := make([]internal.Record, len(existing))
	for i, c := range existing {
		existingRecords[i] = CustomerRecord(c)
	}

	var out []DuplicateResult
	for i, row := range rows {
		var candidates []DuplicateCandidate
		for k, rec := range existingRecords {
			score, fields := d.Score(row.Data, rec)
			if conf, ok := d.confidence(score); ok {
				id := existing[k].ID
				candidates = append(candidates, DuplicateCandidate{ExistingKundeID: &id, Score: score, Confidence: conf, FieldScores: fields})
			}
		}
		for j := 0; j < i; j++ {
			score, fields := d.Score(row.Data, rows[j].Data)
			if conf, ok := d.confidence(score); ok {
				rowNumber := rows[j].RowNumber
				candidates = append(candidates, DuplicateCandidate{BatchRowIndex: &rowNumber, Score: score, Confidence: conf, FieldScores: fields})
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].Score > candidates[b].Score })
		if len(candidates) > 5 {
			candidates = candidates[:5]
		}
		out = append(out, DuplicateResult{RowNumber: row.RowNumber, Candidates: candidates, SuggestedAction: suggestAction(candidates)})
	}
	return out
}

func suggestAction(candidates []DuplicateCandidate) DuplicateAction {
	if len(candidates) == 0 {
		return ActionSuggestCreate
	}
	top := candidates[0]
	if top.ExistingKundeID != nil && top.Confidence == ConfidenceHigh {
		return ActionSuggestUpdate
	}
	return ActionSuggestReview
}

func fieldSimilarity(field, a, b string) float64 {
	switch field {
	case FieldEpost:
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
			return 1
		}
		return 0
	case FieldTelefon:
		if phoneKey(a) == phoneKey(b) {
			return 1
		}
		return 0
	case FieldNavn:
		return util.LevenshteinRatio(NormalizeCompanyName(a), NormalizeCompanyName(b))
	case FieldAdresse:
		return util.LevenshteinRatio(NormalizeStreetAddress(a), NormalizeStreetAddress(b))
	default:
		if strings.TrimSpace(a) == strings.TrimSpace(b) {
			return 1
		}
		return 0
	}
}

func phoneKey(v string) string {
	if formatted, ok := NormalizePhone(v); ok {
		return util.DigitsOnly(formatted)
	}
	return util.DigitsOnly(v)
}

// NormalizeCompanyName lowercases, canonicalizes "A/S", "A.S." and "AS" to "as" and drops punctuation.
func NormalizeCompanyName(input string) string {
	s := strings.ToLower(util.CollapseSpaces(input))
	s = reCompanySuffix.ReplaceAllString(s, "${1}as${2}")
	s = strings.ReplaceAll(s, "aksjeselskap", "as")
	return stripPunctuation(s)
}

// NormalizeStreetAddress lowercases and expands street abbreviations ("Storgt." -> "storgate").
func NormalizeStreetAddress(input string) string {
	tokens := strings.Fields(stripPunctuation(strings.ToLower(input)))
	for i, t := range tokens {
		if full, ok := streetAbbreviations[t]; ok {
			tokens[i] = full
			continue
		}
		if len([]rune(t)) > 3 && strings.HasSuffix(t, "gt") {
			tokens[i] = strings.TrimSuffix(t, "gt") + "gate"
		} else if len([]rune(t)) > 3 && strings.HasSuffix(t, "vn") {
			tokens[i] = strings.TrimSuffix(t, "vn") + "veien"
		}
	}
	return strings.Join(tokens, " ")
}

func stripPunctuation(s string) string {
	b := strings.Builder{}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// CustomerRecord exposes a stored customer with the canonical field names.
func CustomerRecord(c internal.Customer) internal.Record {
	rec := internal.Record{FieldNavn: c.Navn, FieldAdresse: c.Adresse}
	set := func(field string, v *string) {
		if v != nil {
			rec[field] = *v
		}
	}
	set(FieldPostnummer, c.Postnummer)
	set(FieldPoststed, c.Poststed)
	set(FieldTelefon, c.Telefon)
	set(FieldEpost, c.Epost)
	set(FieldKontaktperson, c.Kontaktperson)
	set(FieldOrgNummer, c.OrgNummer)
	set(FieldKategori, c.Kategori)
	set(FieldSisteKontroll, c.SisteKontroll)
	set(FieldNesteKontroll, c.NesteKontroll)
	set(FieldSisteBrannkontroll, c.SisteBrannkontroll)
	set(FieldNesteBrannkontroll, c.NesteBrannkontroll)
	set(FieldNotater, c.Notater)
	if c.KontrollIntervallMnd != nil {
		rec[FieldKontrollIntervall] = *c.KontrollIntervallMnd
	}
	if c.Aktiv != nil {
		rec[FieldAktiv] = *c.Aktiv
	}
	return rec
}
