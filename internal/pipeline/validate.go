package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"skyplanner/internal"
	"skyplanner/internal/util"
)

var commonEmailDomains = []string{
	"gmail.com", "hotmail.com", "hotmail.no", "outlook.com", "live.no", "live.com",
	"yahoo.com", "yahoo.no", "icloud.com", "online.no", "msn.com", "me.com", "altibox.no", "lyse.net",
}

// Issue is one validation finding for a row.
type Issue struct {
	Severity       internal.Severity `json:"severity"`
	Code           string            `json:"code"`
	Field          string            `json:"field"`
	Message        string            `json:"message"`
	Suggestion     *string           `json:"suggestion,omitempty"`
	ExpectedFormat *string           `json:"expectedFormat,omitempty"`
	ActualValue    *string           `json:"actualValue,omitempty"`
}

type RowValidation struct {
	IsValid           bool    `json:"isValid"`
	HasWarnings       bool    `json:"hasWarnings"`
	Errors            []Issue `json:"errors"`
	Warnings          []Issue `json:"warnings"`
	Infos             []Issue `json:"infos"`
	CompletenessScore float64 `json:"completenessScore"`
}

// Status folds the result into the staging-row status.
func (r RowValidation) Status() internal.ValidationStatus {
	switch {
	case !r.IsValid:
		return internal.RowInvalid
	case r.HasWarnings:
		return internal.RowWarning
	default:
		return internal.RowValid
	}
}

func (r RowValidation) Issues() []Issue {
	out := make([]Issue, 0, len(r.Errors)+len(r.Warnings)+len(r.Infos))
	out = append(out, r.Errors...)
	out = append(out, r.Warnings...)
	return append(out, r.Infos...)
}

type Validator struct {
	postal *PostalRegistry
	now    func() time.Time
}

func NewValidator(postal *PostalRegistry) *Validator {
	return &Validator{postal: postal, now: time.Now}
}

type issueSet struct {
	seen   map[string]bool
	result *RowValidation
}

// add drops a second issue with the same field and code.
func (s *issueSet) add(i Issue) {
	key := i.Field + "\x00" + i.Code
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	switch i.Severity {
	case internal.SeverityError:
		s.result.Errors = append(s.result.Errors, i)
	case internal.SeverityWarning:
		s.result.Warnings = append(s.result.Warnings, i)
	default:
		s.result.Infos = append(s.result.Infos, i)
	}
}

// ValidateRow runs the configured rules first, then the built-in checks for canonical fields.
func (v *Validator) ValidateRow(rec internal.Record, rules []FieldRule) RowValidation {
	result := RowValidation{Errors: []Issue{}, Warnings: []Issue{}, Infos: []Issue{}}
	set := &issueSet{seen: map[string]bool{}, result: &result}

	for _, rule := range rules {
		if issue, failed := checkRule(rec, rule); failed {
			set.add(issue)
		}
	}
	v.defaultChecks(rec, set)

	result.IsValid = len(result.Errors) == 0
	result.HasWarnings = len(result.Warnings) > 0
	result.CompletenessScore = Completeness(rec)
	return result
}

// Completeness is the weighted share of business-relevant fields that have a value.
func Completeness(rec internal.Record) float64 {
	total, filled := 0.0, 0.0
	for _, f := range CanonicalFields {
		if f.Weight == 0 {
			continue
		}
		total += f.Weight
		if recordString(rec, f.Name) != "" {
			filled += f.Weight
		}
	}
	if total == 0 {
		return 0
	}
	return filled / total
}

func checkRule(rec internal.Record, rule FieldRule) (Issue, bool) {
	value := recordString(rec, rule.Field)
	severity := rule.Severity
	if severity == "" {
		severity = internal.SeverityError
	}
	fail := func(defaultMessage string, expected *string) (Issue, bool) {
		msg := rule.Message
		if msg == "" {
			msg = defaultMessage
		}
		return Issue{
			Severity:       severity,
			Code:           rule.Check.ErrorCode(),
			Field:          rule.Field,
			Message:        msg,
			ExpectedFormat: expected,
			ActualValue:    optionalString(value),
		}, true
	}

	if _, ok := rule.Check.(Required); !ok && value == "" {
		return Issue{}, false
	}

	switch c := rule.Check.(type) {
	case Required:
		if value == "" {
			return fail(fmt.Sprintf("%s er påkrevd", fieldLabel(rule.Field)), nil)
		}
	case MinLength:
		if utf8.RuneCountInString(value) < c.Min {
			return fail(fmt.Sprintf("%s må ha minst %d tegn", fieldLabel(rule.Field), c.Min), nil)
		}
	case MaxLength:
		if utf8.RuneCountInString(value) > c.Max {
			return fail(fmt.Sprintf("%s kan ha maks %d tegn", fieldLabel(rule.Field), c.Max), nil)
		}
	case *Pattern:
		if !c.MatchString(value) {
			return fail(fmt.Sprintf("%s har ugyldig format", fieldLabel(rule.Field)), util.StringPtr(c.Expr))
		}
	case EmailFormat:
		if !reEmail.MatchString(strings.ToLower(value)) {
			return fail("Ugyldig e-postadresse", util.StringPtr("navn@domene.no"))
		}
	case PostnummerFormat:
		if !rePostnummer.MatchString(value) {
			return fail("Postnummer må være 4 siffer", util.StringPtr("4 siffer"))
		}
	case DateFormat:
		if !isISODate(value) {
			return fail(fmt.Sprintf("%s er ikke en gyldig dato", fieldLabel(rule.Field)), util.StringPtr("DD.MM.ÅÅÅÅ"))
		}
	case NumberFormat:
		if _, ok := util.ParseNumber(value); !ok {
			return fail(fmt.Sprintf("%s må være et tall", fieldLabel(rule.Field)), nil)
		}
	case IntegerFormat:
		if _, ok := parseInteger(value); !ok {
			return fail(fmt.Sprintf("%s må være et heltall", fieldLabel(rule.Field)), nil)
		}
	case Range:
		d, ok := util.ParseNumber(value)
		if !ok {
			return fail(fmt.Sprintf("%s må være et tall", fieldLabel(rule.Field)), nil)
		}
		n := d.InexactFloat64()
		if (c.Min != nil && n < *c.Min) || (c.Max != nil && n > *c.Max) {
			return fail(fmt.Sprintf("%s er utenfor gyldig område", fieldLabel(rule.Field)), util.StringPtr(rangeText(c)))
		}
	case Enum:
		for _, allowed := range c.Values {
			if strings.EqualFold(allowed, value) {
				return Issue{}, false
			}
		}
		return fail(fmt.Sprintf("%s har en ukjent verdi", fieldLabel(rule.Field)), util.StringPtr(strings.Join(c.Values, ", ")))
	}
	return Issue{}, false
}

func (v *Validator) defaultChecks(rec internal.Record, set *issueSet) {
	requireText := func(field string, minLen int) {
		value := recordString(rec, field)
		if value == "" {
			set.add(Issue{Severity: internal.SeverityError, Code: "REQUIRED", Field: field, Message: fmt.Sprintf("%s er påkrevd", fieldLabel(field))})
			return
		}
		if utf8.RuneCountInString(value) < minLen {
			set.add(Issue{
				Severity:    internal.SeverityError,
				Code:        "MIN_LENGTH",
				Field:       field,
				Message:     fmt.Sprintf("%s må ha minst %d tegn", fieldLabel(field), minLen),
				ActualValue: optionalString(value),
			})
		}
	}
	requireText(FieldNavn, 2)
	requireText(FieldAdresse, 3)

	if email := strings.ToLower(recordString(rec, FieldEpost)); email != "" {
		if !reEmail.MatchString(email) {
			set.add(Issue{
				Severity:       internal.SeverityError,
				Code:           "INVALID_EMAIL",
				Field:          FieldEpost,
				Message:        "Ugyldig e-postadresse",
				ExpectedFormat: util.StringPtr("navn@domene.no"),
				ActualValue:    optionalString(email),
			})
		} else if suggestion, ok := SuggestEmailDomain(email); ok {
			set.add(Issue{
				Severity:    internal.SeverityWarning,
				Code:        "EMAIL_TYPO",
				Field:       FieldEpost,
				Message:     fmt.Sprintf("Mente du %s?", suggestion),
				Suggestion:  util.StringPtr(suggestion),
				ActualValue: optionalString(email),
			})
		}
	}

	v.checkPostal(rec, set)

	if phone := recordString(rec, FieldTelefon); phone != "" {
		if _, ok := NormalizePhone(phone); !ok {
			set.add(Issue{
				Severity:       internal.SeverityWarning,
				Code:           "INVALID_PHONE",
				Field:          FieldTelefon,
				Message:        "Telefonnummer har færre enn 8 siffer",
				ExpectedFormat: util.StringPtr("XX XX XX XX"),
				ActualValue:    optionalString(phone),
			})
		}
	}

	if org := recordString(rec, FieldOrgNummer); org != "" && !ValidOrgNummer(org) {
		set.add(Issue{
			Severity:       internal.SeverityWarning,
			Code:           "INVALID_ORG_NUMMER",
			Field:          FieldOrgNummer,
			Message:        "Organisasjonsnummer er ikke gyldig",
			ExpectedFormat: util.StringPtr("9 siffer"),
			ActualValue:    optionalString(org),
		})
	}

	if raw := recordString(rec, FieldKontrollIntervall); raw != "" {
		n, ok := parseInteger(raw)
		switch {
		case !ok:
			set.add(Issue{Severity: internal.SeverityError, Code: "INVALID_INTEGER", Field: FieldKontrollIntervall, Message: "Kontrollintervall må være et helt antall måneder", ActualValue: optionalString(raw)})
		case n < 1 || n > 120:
			set.add(Issue{Severity: internal.SeverityWarning, Code: "OUT_OF_RANGE", Field: FieldKontrollIntervall, Message: "Kontrollintervall bør være mellom 1 og 120 måneder", ActualValue: optionalString(raw)})
		}
	}

	v.checkDates(rec, set)
}

func (v *Validator) checkPostal(rec internal.Record, set *issueSet) {
	code := recordString(rec, FieldPostnummer)
	if code == "" {
		return
	}
	if !rePostnummer.MatchString(code) {
		set.add(Issue{
			Severity:       internal.SeverityError,
			Code:           "INVALID_POSTNUMMER",
			Field:          FieldPostnummer,
			Message:        "Postnummer må være 4 siffer",
			ExpectedFormat: util.StringPtr("4 siffer"),
			ActualValue:    optionalString(code),
		})
		return
	}
	entry, ok := v.postal.Lookup(code)
	if !ok {
		if v.postal.Complete() {
			set.add(Issue{Severity: internal.SeverityInfo, Code: "UNKNOWN_POSTNUMMER", Field: FieldPostnummer, Message: fmt.Sprintf("Postnummer %s finnes ikke i postnummerregisteret", code), ActualValue: optionalString(code)})
		}
		return
	}
	if place := recordString(rec, FieldPoststed); place != "" && !SamePlace(place, entry.Poststed) {
		set.add(Issue{
			Severity:    internal.SeverityWarning,
			Code:        "POSTSTED_MISMATCH",
			Field:       FieldPoststed,
			Message:     fmt.Sprintf("Postnummer %s hører til %s", code, entry.DisplayName()),
			Suggestion:  util.StringPtr(entry.DisplayName()),
			ActualValue: optionalString(place),
		})
	}
}

func (v *Validator) checkDates(rec internal.Record, set *issueSet) {
	now := v.now()
	limit := now.AddDate(10, 0, 0)
	parsed := map[string]time.Time{}

	for _, f := range CanonicalFields {
		if f.Type != TypeDate {
			continue
		}
		value := recordString(rec, f.Name)
		if value == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			set.add(Issue{
				Severity:       internal.SeverityError,
				Code:           "INVALID_DATE",
				Field:          f.Name,
				Message:        fmt.Sprintf("%s er ikke en gyldig dato", f.Label),
				ExpectedFormat: util.StringPtr("DD.MM.ÅÅÅÅ"),
				ActualValue:    optionalString(value),
			})
			continue
		}
		parsed[f.Name] = t
		if t.Year() < 2000 {
			set.add(Issue{Severity: internal.SeverityWarning, Code: "DATE_TOO_OLD", Field: f.Name, Message: fmt.Sprintf("%s er før år 2000", f.Label), ActualValue: optionalString(value)})
		}
		if t.After(limit) {
			set.add(Issue{Severity: internal.SeverityWarning, Code: "DATE_TOO_FAR_FUTURE", Field: f.Name, Message: fmt.Sprintf("%s er mer enn 10 år frem i tid", f.Label), ActualValue: optionalString(value)})
		}
	}

	for _, pair := range controlDatePairs {
		last, okLast := parsed[pair[0]]
		next, okNext := parsed[pair[1]]
		if okLast && okNext && !next.After(last) {
			set.add(Issue{
				Severity:    internal.SeverityError,
				Code:        "DATE_ORDER",
				Field:       pair[1],
				Message:     fmt.Sprintf("%s må være etter %s", fieldLabel(pair[1]), strings.ToLower(fieldLabel(pair[0]))),
				ActualValue: optionalString(recordString(rec, pair[1])),
			})
		}
	}
}

// SuggestEmailDomain proposes a common domain one edit (or one swap) away from the given one.
func SuggestEmailDomain(email string) (string, bool) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", false
	}
	local, domain := email[:at], strings.ToLower(email[at+1:])
	for _, d := range commonEmailDomains {
		if d == domain {
			return "", false
		}
	}
	for _, d := range commonEmailDomains {
		if util.EditDistance(domain, d) == 1 || isAdjacentSwap(domain, d) {
			return local + "@" + d, true
		}
	}
	return "", false
}

func isAdjacentSwap(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra) != len(rb) {
		return false
	}
	diff := []int{}
	for i := range ra {
		if ra[i] != rb[i] {
			diff = append(diff, i)
		}
	}
	return len(diff) == 2 && diff[1] == diff[0]+1 && ra[diff[0]] == rb[diff[1]] && ra[diff[1]] == rb[diff[0]]
}

// ValidOrgNummer checks length and the modulus 11 control digit of a Norwegian organization number.
func ValidOrgNummer(input string) bool {
	digits := util.DigitsOnly(input)
	if len(digits) != 9 {
		return false
	}
	weights := []int{3, 2, 7, 6, 5, 4, 3, 2}
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	control := 11 - sum%11
	if control == 11 {
		control = 0
	}
	if control == 10 {
		return false
	}
	return control == int(digits[8]-'0')
}

func isISODate(value string) bool {
	_, err := time.Parse("2006-01-02", value)
	return err == nil
}

func fieldLabel(name string) string {
	if f, ok := LookupField(name); ok {
		return f.Label
	}
	return name
}

func rangeText(r Range) string {
	parts := []string{}
	if r.Min != nil {
		parts = append(parts, ">= "+strconv.FormatFloat(*r.Min, 'f', -1, 64))
	}
	if r.Max != nil {
		parts = append(parts, "<= "+strconv.FormatFloat(*r.Max, 'f', -1, 64))
	}
	return strings.Join(parts, " og ")
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
