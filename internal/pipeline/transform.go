package pipeline

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"skyplanner/internal"
	"skyplanner/internal/util"
)

type TransformType string

const (
	TransformTrim       TransformType = "trim"
	TransformUppercase  TransformType = "uppercase"
	TransformLowercase  TransformType = "lowercase"
	TransformDate       TransformType = "date"
	TransformPhone      TransformType = "phone"
	TransformPostnummer TransformType = "postnummer"
	TransformNumber     TransformType = "number"
	TransformInteger    TransformType = "integer"
	TransformBoolean    TransformType = "boolean"
	TransformLookup     TransformType = "lookup"
)

// TransformRule overrides the type-based default transform of a mapped column.
type TransformRule struct {
	Type TransformType `json:"type" validate:"required,oneof=trim uppercase lowercase date phone postnummer number integer boolean lookup"`
	// Lookup keys are compared case-insensitively.
	Lookup  map[string]string `json:"lookup,omitempty" validate:"required_if=Type lookup"`
	Default *string           `json:"default,omitempty"`
}

var (
	reDigitsOnly   = regexp.MustCompile(`^\d+$`)
	rePostnummer   = regexp.MustCompile(`^\d{4}$`)
	reEmail        = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	reISODate      = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})(?:[t ].*)?$`)
	reNumericDate  = regexp.MustCompile(`^(\d{1,2})([./-])(\d{1,2})[./-](\d{2,4})$`)
	reQuarter      = regexp.MustCompile(`^(?:q|k)([1-4])[\s\-/]*(\d{4})$`)
	reQuarterYear  = regexp.MustCompile(`^(\d{4})[\s\-/]*(?:q|k)([1-4])$`)
	reKvartal      = regexp.MustCompile(`^([1-4])\.?\s*kvartal\s+(\d{4})$`)
	reDayMonthYear = regexp.MustCompile(`^(\d{1,2})\.?\s*([a-zæøå]+)\.?\s+(\d{4})$`)
	reMonthYear    = regexp.MustCompile(`^([a-zæøå]+)\.?\s+(\d{4})$`)
	reYearMonth    = regexp.MustCompile(`^(\d{4})\s+([a-zæøå]+)$`)
	reDayMonth     = regexp.MustCompile(`^(\d{1,2})[.\s\-]\s*([a-zæøå]+)\.?$`)
	reExcelSerial  = regexp.MustCompile(`^\d+(?:[.,]\d+)?$`)
	reLeadingNum   = regexp.MustCompile(`^(-?[\d\s.,]+?)\s*[a-zæøå.]*$`)
)

var monthNames = map[string]time.Month{
	"jan": time.January, "januar": time.January, "january": time.January,
	"feb": time.February, "februar": time.February, "february": time.February,
	"mar": time.March, "mars": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"mai": time.May, "may": time.May,
	"jun": time.June, "juni": time.June, "june": time.June,
	"jul": time.July, "juli": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"okt": time.October, "oct": time.October, "oktober": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"des": time.December, "dec": time.December, "desember": time.December, "december": time.December,
}

var booleanTokens = map[string]bool{
	"ja": true, "j": true, "yes": true, "y": true, "true": true, "sann": true, "1": true, "x": true, "aktiv": true, "ok": true,
	"nei": false, "n": false, "no": false, "false": false, "usann": false, "0": false, "inaktiv": false,
}

// excelEpoch is day zero of the 1900 date system. Excel believes 1900 was a leap year,
// so serial 60 (1900-02-29) does not exist and later serials are one day ahead.
var excelEpoch = time.Date(1899, time.December, 31, 0, 0, 0, 0, time.UTC)

// ParseDate normalizes a date to YYYY-MM-DD, or returns nil when it cannot be read.
func ParseDate(input string) *string {
	return parseDateAt(input, time.Now())
}

func parseDateAt(input string, now time.Time) *string {
	s := strings.ToLower(util.CollapseSpaces(input))
	if s == "" {
		return nil
	}

	if m := reQuarter.FindStringSubmatch(s); m != nil {
		return quarterStart(m[1], m[2])
	}
	if m := reQuarterYear.FindStringSubmatch(s); m != nil {
		return quarterStart(m[2], m[1])
	}
	if m := reKvartal.FindStringSubmatch(s); m != nil {
		return quarterStart(m[1], m[2])
	}

	if m := reNumericDate.FindStringSubmatch(s); m != nil {
		first, _ := strconv.Atoi(m[1])
		second, _ := strconv.Atoi(m[3])
		year, ok := expandYear(m[4])
		if !ok {
			return nil
		}
		if out := formatDate(year, second, first); out != nil {
			return out
		}
		// MM/DD/YYYY is only accepted with slashes and when it cannot be a Norwegian date.
		if m[2] == "/" && second > 12 {
			return formatDate(year, first, second)
		}
		return nil
	}

	if m := reDayMonthYear.FindStringSubmatch(s); m != nil {
		if month, ok := monthNames[m[2]]; ok {
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			return formatDate(year, int(month), day)
		}
	}
	if m := reMonthYear.FindStringSubmatch(s); m != nil {
		if month, ok := monthNames[m[1]]; ok {
			year, _ := strconv.Atoi(m[2])
			return formatDate(year, int(month), 1)
		}
	}
	if m := reYearMonth.FindStringSubmatch(s); m != nil {
		if month, ok := monthNames[m[2]]; ok {
			year, _ := strconv.Atoi(m[1])
			return formatDate(year, int(month), 1)
		}
	}
	if m := reDayMonth.FindStringSubmatch(s); m != nil {
		if month, ok := monthNames[m[2]]; ok {
			day, _ := strconv.Atoi(m[1])
			return formatDate(now.Year(), int(month), day)
		}
	}

	if m := reISODate.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return formatDate(year, month, day)
	}

	if reExcelSerial.MatchString(s) {
		serial, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
		if err != nil {
			return nil
		}
		return excelSerialToDate(serial)
	}

	return nil
}

func excelSerialToDate(serial float64) *string {
	days := int(math.Floor(serial))
	if days < 1 || days > 2958465 {
		return nil
	}
	if days == 60 {
		return nil
	}
	if days > 60 {
		days--
	}
	out := excelEpoch.AddDate(0, 0, days).Format("2006-01-02")
	return &out
}

func quarterStart(quarter, year string) *string {
	q, _ := strconv.Atoi(quarter)
	y, _ := strconv.Atoi(year)
	return formatDate(y, (q-1)*3+1, 1)
}

// expandYear pivots two-digit years at 50: 00-49 are 2000s, 50-99 are 1900s.
func expandYear(raw string) (int, bool) {
	y, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	switch len(raw) {
	case 2:
		if y < 50 {
			return 2000 + y, true
		}
		return 1900 + y, true
	case 4:
		return y, true
	default:
		return 0, false
	}
}

// formatDate rejects impossible calendar dates by checking that time.Date did not roll over.
func formatDate(year, month, day int) *string {
	if year < 1 || year > 9999 || month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return nil
	}
	out := t.Format("2006-01-02")
	return &out
}

// NormalizePhone strips Norwegian country prefixes and formats 8-digit numbers as "XX XX XX XX".
// Inputs with fewer than 8 digits come back unchanged with ok=false.
func NormalizePhone(input string) (string, bool) {
	s := strings.TrimSpace(input)
	hasPlus := strings.HasPrefix(s, "+")
	digits := util.DigitsOnly(s)

	switch {
	case hasPlus && strings.HasPrefix(digits, "47") && len(digits) == 10:
		digits = digits[2:]
	case strings.HasPrefix(digits, "0047") && len(digits) == 12:
		digits = digits[4:]
	case !hasPlus && strings.HasPrefix(digits, "47") && len(digits) == 10:
		digits = digits[2:]
	}

	if len(digits) < 8 {
		return input, false
	}
	if len(digits) == 8 {
		return digits[0:2] + " " + digits[2:4] + " " + digits[4:6] + " " + digits[6:8], true
	}
	if hasPlus {
		return "+" + digits, true
	}
	return digits, true
}

func looksLikePhone(input string) bool {
	for _, r := range input {
		if !strings.ContainsRune("0123456789+ -().", r) {
			return false
		}
	}
	n := len(util.DigitsOnly(input))
	return n >= 8 && n <= 15
}

// NormalizePostnummer accepts 4 digits, zero-pads 3 digits and passes anything else through.
func NormalizePostnummer(input string) string {
	s := strings.TrimSpace(input)
	digits := util.DigitsOnly(s)
	switch len(digits) {
	case 4:
		return digits
	case 3:
		return "0" + digits
	default:
		return s
	}
}

// ParseBoolean reads Norwegian and English yes/no tokens. Unknown tokens report ok=false.
func ParseBoolean(input string) (bool, bool) {
	v, ok := booleanTokens[strings.ToLower(strings.TrimSpace(input))]
	return v, ok
}

func parseInteger(input string) (int64, bool) {
	d, ok := util.ParseNumber(input)
	if !ok {
		m := reLeadingNum.FindStringSubmatch(strings.ToLower(strings.TrimSpace(input)))
		if m == nil {
			return 0, false
		}
		if d, ok = util.ParseNumber(m[1]); !ok {
			return 0, false
		}
	}
	if !d.IsInteger() {
		return 0, false
	}
	return d.IntPart(), true
}

func defaultTransform(t FieldType) TransformType {
	switch t {
	case TypeDate:
		return TransformDate
	case TypePhone:
		return TransformPhone
	case TypePostnummer:
		return TransformPostnummer
	case TypeNumber:
		return TransformNumber
	case TypeInteger:
		return TransformInteger
	case TypeBoolean:
		return TransformBoolean
	case TypeEmail:
		return TransformLowercase
	default:
		return TransformTrim
	}
}

// ApplyTransform coerces one cell for the target field. A transform that cannot read the
// value returns the original so validation can report it.
func ApplyTransform(value any, rule *TransformRule, field FieldDef) (out any) {
	kind := defaultTransform(field.Type)
	if rule != nil && rule.Type != "" {
		kind = rule.Type
	}

	s := strings.TrimSpace(cellString(value))
	if s == "" {
		if rule != nil && rule.Default != nil {
			return *rule.Default
		}
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			out = value
		}
	}()

	switch kind {
	case TransformUppercase:
		return strings.ToUpper(util.CollapseSpaces(s))
	case TransformLowercase:
		return strings.ToLower(util.CollapseSpaces(s))
	case TransformDate:
		if d := ParseDate(s); d != nil {
			return *d
		}
		return s
	case TransformPhone:
		v, _ := NormalizePhone(s)
		return v
	case TransformPostnummer:
		return NormalizePostnummer(s)
	case TransformNumber:
		if d, ok := util.ParseNumber(s); ok {
			return d.InexactFloat64()
		}
		return s
	case TransformInteger:
		if n, ok := parseInteger(s); ok {
			return n
		}
		return s
	case TransformBoolean:
		if b, ok := ParseBoolean(s); ok {
			return b
		}
		return nil
	case TransformLookup:
		if rule != nil {
			for k, v := range rule.Lookup {
				if strings.EqualFold(strings.TrimSpace(k), s) {
					return v
				}
			}
			if rule.Default != nil {
				return *rule.Default
			}
		}
		return s
	default:
		return util.CollapseSpaces(s)
	}
}

// MapRecord builds the canonical record for one staging row.
func MapRecord(raw internal.Record, cfg MappingConfig, postal *PostalRegistry) internal.Record {
	out := internal.Record{}
	for _, m := range cfg.Mappings {
		field, ok := LookupField(m.TargetField)
		if !ok {
			continue
		}
		out[m.TargetField] = ApplyTransform(raw[m.SourceColumn], m.Transform, field)
	}
	if !cfg.Options.SkipAddressEnrichment {
		EnrichAddress(out, postal)
	}
	return out
}

// recordString reads a mapped value as trimmed text; numbers are printed without exponent.
func recordString(r internal.Record, field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
