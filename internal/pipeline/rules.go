package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"

	"skyplanner/internal"
)

type RuleKind string

const (
	RuleRequired   RuleKind = "required"
	RuleMinLength  RuleKind = "minLength"
	RuleMaxLength  RuleKind = "maxLength"
	RulePattern    RuleKind = "pattern"
	RuleEmail      RuleKind = "email"
	RulePostnummer RuleKind = "postnummer"
	RuleDate       RuleKind = "date"
	RuleNumber     RuleKind = "number"
	RuleInteger    RuleKind = "integer"
	RuleRange      RuleKind = "range"
	RuleEnum       RuleKind = "enum"
)

// RuleCheck is implemented by the concrete rule types below; the set is closed.
type RuleCheck interface {
	Kind() RuleKind
	ErrorCode() string
	isRuleCheck()
}

type Required struct{}
type MinLength struct{ Min int }
type MaxLength struct{ Max int }
type Pattern struct {
	Expr string
	re   *regexp.Regexp
}
type EmailFormat struct{}
type PostnummerFormat struct{}
type DateFormat struct{}
type NumberFormat struct{}
type IntegerFormat struct{}
type Range struct{ Min, Max *float64 }
type Enum struct{ Values []string }

func (Required) Kind() RuleKind         { return RuleRequired }
func (MinLength) Kind() RuleKind        { return RuleMinLength }
func (MaxLength) Kind() RuleKind        { return RuleMaxLength }
func (*Pattern) Kind() RuleKind         { return RulePattern }
func (EmailFormat) Kind() RuleKind      { return RuleEmail }
func (PostnummerFormat) Kind() RuleKind { return RulePostnummer }
func (DateFormat) Kind() RuleKind       { return RuleDate }
func (NumberFormat) Kind() RuleKind     { return RuleNumber }
func (IntegerFormat) Kind() RuleKind    { return RuleInteger }
func (Range) Kind() RuleKind            { return RuleRange }
func (Enum) Kind() RuleKind             { return RuleEnum }

func (Required) ErrorCode() string         { return "REQUIRED" }
func (MinLength) ErrorCode() string        { return "MIN_LENGTH" }
func (MaxLength) ErrorCode() string        { return "MAX_LENGTH" }
func (*Pattern) ErrorCode() string         { return "PATTERN_MISMATCH" }
func (EmailFormat) ErrorCode() string      { return "INVALID_EMAIL" }
func (PostnummerFormat) ErrorCode() string { return "INVALID_POSTNUMMER" }
func (DateFormat) ErrorCode() string       { return "INVALID_DATE" }
func (NumberFormat) ErrorCode() string     { return "INVALID_NUMBER" }
func (IntegerFormat) ErrorCode() string    { return "INVALID_INTEGER" }
func (Range) ErrorCode() string            { return "OUT_OF_RANGE" }
func (Enum) ErrorCode() string             { return "INVALID_VALUE" }

func (Required) isRuleCheck()         {}
func (MinLength) isRuleCheck()        {}
func (MaxLength) isRuleCheck()        {}
func (*Pattern) isRuleCheck()         {}
func (EmailFormat) isRuleCheck()      {}
func (PostnummerFormat) isRuleCheck() {}
func (DateFormat) isRuleCheck()       {}
func (NumberFormat) isRuleCheck()     {}
func (IntegerFormat) isRuleCheck()    {}
func (Range) isRuleCheck()            {}
func (Enum) isRuleCheck()             {}

func NewPattern(expr string) (*Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &Pattern{Expr: expr, re: re}, nil
}

func (p *Pattern) MatchString(s string) bool {
	if p.re == nil {
		p.re = regexp.MustCompile(p.Expr)
	}
	return p.re.MatchString(s)
}

// FieldRule is one configured validation rule for a canonical field.
type FieldRule struct {
	Field    string
	Severity internal.Severity
	Message  string
	Check    RuleCheck
}

type fieldRuleJSON struct {
	Field    string            `json:"field"`
	Kind     RuleKind          `json:"kind"`
	Severity internal.Severity `json:"severity,omitempty"`
	Message  string            `json:"message,omitempty"`
	Length   *int              `json:"length,omitempty"`
	Pattern  string            `json:"pattern,omitempty"`
	Min      *float64          `json:"min,omitempty"`
	Max      *float64          `json:"max,omitempty"`
	Values   []string          `json:"values,omitempty"`
}

func (r FieldRule) MarshalJSON() ([]byte, error) {
	if r.Check == nil {
		return nil, fmt.Errorf("rule for %s has no check", r.Field)
	}
	out := fieldRuleJSON{Field: r.Field, Kind: r.Check.Kind(), Severity: r.Severity, Message: r.Message}
	switch c := r.Check.(type) {
	case MinLength:
		out.Length = &c.Min
	case MaxLength:
		out.Length = &c.Max
	case *Pattern:
		out.Pattern = c.Expr
	case Range:
		out.Min, out.Max = c.Min, c.Max
	case Enum:
		out.Values = c.Values
	}
	return json.Marshal(out)
}

func (r *FieldRule) UnmarshalJSON(data []byte) error {
	var in fieldRuleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Field = in.Field
	r.Severity = in.Severity
	if r.Severity == "" {
		r.Severity = internal.SeverityError
	}
	r.Message = in.Message

	switch in.Kind {
	case RuleRequired:
		r.Check = Required{}
	case RuleMinLength, RuleMaxLength:
		if in.Length == nil {
			return fmt.Errorf("rule %s on %s needs length", in.Kind, in.Field)
		}
		if in.Kind == RuleMinLength {
			r.Check = MinLength{Min: *in.Length}
		} else {
			r.Check = MaxLength{Max: *in.Length}
		}
	case RulePattern:
		p, err := NewPattern(in.Pattern)
		if err != nil {
			return fmt.Errorf("rule pattern on %s: %w", in.Field, err)
		}
		r.Check = p
	case RuleEmail:
		r.Check = EmailFormat{}
	case RulePostnummer:
		r.Check = PostnummerFormat{}
	case RuleDate:
		r.Check = DateFormat{}
	case RuleNumber:
		r.Check = NumberFormat{}
	case RuleInteger:
		r.Check = IntegerFormat{}
	case RuleRange:
		if in.Min == nil && in.Max == nil {
			return fmt.Errorf("rule range on %s needs min or max", in.Field)
		}
		r.Check = Range{Min: in.Min, Max: in.Max}
	case RuleEnum:
		if len(in.Values) == 0 {
			return fmt.Errorf("rule enum on %s needs values", in.Field)
		}
		r.Check = Enum{Values: in.Values}
	default:
		return fmt.Errorf("unknown rule kind %q", in.Kind)
	}
	return nil
}
