package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"skyplanner/internal"
	"skyplanner/internal/aimapping"
	"skyplanner/internal/util"
)

var ErrInvalidMapping = errors.New("invalid mapping")

var mappingValidate = validator.New(validator.WithRequiredStructEnabled())

type FieldMapping struct {
	SourceColumn string         `json:"sourceColumn" validate:"required"`
	TargetField  string         `json:"targetField" validate:"required"`
	Transform    *TransformRule `json:"transform,omitempty"`
}

type MappingOptions struct {
	// SkipExisting leaves matching customers untouched at commit instead of updating them.
	SkipExisting          bool `json:"skipExisting,omitempty"`
	SkipAddressEnrichment bool `json:"skipAddressEnrichment,omitempty"`
}

// MappingConfig is what a user confirms and what a template stores.
type MappingConfig struct {
	Mappings        []FieldMapping `json:"mappings" validate:"required,min=1,dive"`
	ValidationRules []FieldRule    `json:"validationRules,omitempty"`
	Options         MappingOptions `json:"options"`
}

// Validate checks structure and that every source column and target field is used once.
func (c MappingConfig) Validate() error {
	if err := mappingValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidMapping, strings.Join(parts, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}

	sources := map[string]bool{}
	targets := map[string]bool{}
	for _, m := range c.Mappings {
		if !IsCanonicalField(m.TargetField) {
			return fmt.Errorf("%w: unknown target field %q", ErrInvalidMapping, m.TargetField)
		}
		if targets[m.TargetField] {
			return fmt.Errorf("%w: target field %q mapped twice", ErrInvalidMapping, m.TargetField)
		}
		if sources[m.SourceColumn] {
			return fmt.Errorf("%w: column %q mapped twice", ErrInvalidMapping, m.SourceColumn)
		}
		targets[m.TargetField] = true
		sources[m.SourceColumn] = true
	}
	for _, r := range c.ValidationRules {
		if !IsCanonicalField(r.Field) {
			return fmt.Errorf("%w: validation rule on unknown field %q", ErrInvalidMapping, r.Field)
		}
		if r.Check == nil {
			return fmt.Errorf("%w: validation rule on %q has no kind", ErrInvalidMapping, r.Field)
		}
	}
	return nil
}

// SourceColumns returns the mapped columns in mapping order.
func (c MappingConfig) SourceColumns() []string {
	out := make([]string, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		out = append(out, m.SourceColumn)
	}
	return out
}

func ParseMappingConfig(data []byte) (MappingConfig, error) {
	var cfg MappingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return MappingConfig{}, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	return cfg, nil
}

type MappingTier string

const (
	TierTemplate MappingTier = "template"
	TierPattern  MappingTier = "pattern"
	TierAI       MappingTier = "ai"
)

const templateConfidence = 0.95

type MappingSuggestion struct {
	SourceColumn string      `json:"sourceColumn"`
	TargetField  string      `json:"targetField"`
	Confidence   float64     `json:"confidence"`
	Tier         MappingTier `json:"tier"`
	Reasoning    string      `json:"reasoning,omitempty"`
}

type SuggestionSet struct {
	Suggestions []MappingSuggestion `json:"suggestions"`
	Unmapped    []string            `json:"unmapped"`
	TemplateID  *int64              `json:"templateId,omitempty"`
	// Template carries the saved rules and options when tier 1 matched.
	Template *MappingConfig `json:"template,omitempty"`
}

func (s SuggestionSet) TemplateMatched() bool {
	return s.TemplateID != nil
}

// ColumnsFor lists the source columns suggested for a target field type.
func (s SuggestionSet) ColumnsFor(t FieldType) []string {
	var out []string
	for _, sug := range s.Suggestions {
		if f, ok := LookupField(sug.TargetField); ok && f.Type == t {
			out = append(out, sug.SourceColumn)
		}
	}
	return out
}

// MappingConfig turns the suggestions into a config; template transforms, rules and options are kept.
func (s SuggestionSet) MappingConfig() MappingConfig {
	cfg := MappingConfig{}
	templateTransforms := map[string]*TransformRule{}
	if s.Template != nil {
		cfg.ValidationRules = s.Template.ValidationRules
		cfg.Options = s.Template.Options
		for _, m := range s.Template.Mappings {
			templateTransforms[m.SourceColumn+"\x00"+m.TargetField] = m.Transform
		}
	}
	for _, sug := range s.Suggestions {
		cfg.Mappings = append(cfg.Mappings, FieldMapping{
			SourceColumn: sug.SourceColumn,
			TargetField:  sug.TargetField,
			Transform:    templateTransforms[sug.SourceColumn+"\x00"+sug.TargetField],
		})
	}
	return cfg
}

type patternRule struct {
	pattern  *regexp.Regexp
	target   string
	priority int
}

// headerPatterns is evaluated top to bottom against the normalized header; first match wins.
// More specific fields come before the broad name and address patterns.
var headerPatterns = []patternRule{
	{regexp.MustCompile(`^(e-?post|e-?mail|mail|e-?postadresse|epost ?adresse|email ?address)$`), FieldEpost, 1},
	{regexp.MustCompile(`(e-?post|e-?mail)`), FieldEpost, 2},
	{regexp.MustCompile(`^(telefon|tlf\.?|tel\.?|mobil|mobilnr\.?|telefonnr\.?|telefonnummer|phone|mobile)$`), FieldTelefon, 1},
	{regexp.MustCompile(`(telefon|tlf|mobil|phone)`), FieldTelefon, 2},
	{regexp.MustCompile(`^(postnr\.?|postnummer|post ?nr\.?|zip|zip ?code|postal ?code|postkode)$`), FieldPostnummer, 1},
	{regexp.MustCompile(`^(poststed|sted|by|city|town|postort)$`), FieldPoststed, 1},
	{regexp.MustCompile(`poststed`), FieldPoststed, 2},
	{regexp.MustCompile(`^(org\.? ?nr\.?|orgnr|org\.? ?nummer|organisasjonsnummer|organisasjons ?nr\.?|foretaksnummer)$`), FieldOrgNummer, 1},
	{regexp.MustCompile(`^(kontaktperson|kontakt|kontakt ?navn|contact|contact ?person)$`), FieldKontaktperson, 1},
	{regexp.MustCompile(`kontakt`), FieldKontaktperson, 2},
	{regexp.MustCompile(`^neste ?brann ?kontroll$`), FieldNesteBrannkontroll, 1},
	{regexp.MustCompile(`neste.*brann`), FieldNesteBrannkontroll, 2},
	{regexp.MustCompile(`^(siste ?brann ?kontroll|sist ?brann ?kontroll|brannkontroll)$`), FieldSisteBrannkontroll, 1},
	{regexp.MustCompile(`brann.*kontroll`), FieldSisteBrannkontroll, 3},
	{regexp.MustCompile(`^(neste ?kontroll|neste ?el-?kontroll|neste ?service|next ?inspection)$`), FieldNesteKontroll, 1},
	{regexp.MustCompile(`^neste`), FieldNesteKontroll, 3},
	{regexp.MustCompile(`^(siste ?kontroll|sist ?kontrollert|kontrolldato|siste ?el-?kontroll|last ?inspection)$`), FieldSisteKontroll, 1},
	{regexp.MustCompile(`(siste|sist).*(kontroll|service)`), FieldSisteKontroll, 2},
	{regexp.MustCompile(`^(kontroll ?intervall|intervall|intervall ?\(?mnd\)?|kontrollintervall ?\(?mnd\)?|interval)$`), FieldKontrollIntervall, 1},
	{regexp.MustCompile(`intervall`), FieldKontrollIntervall, 2},
	{regexp.MustCompile(`^(kategori|type|kundetype|category|segment)$`), FieldKategori, 1},
	{regexp.MustCompile(`^(notat|notater|merknad|merknader|kommentar|kommentarer|note|notes|comment|comments|beskrivelse)$`), FieldNotater, 1},
	{regexp.MustCompile(`^(aktiv|active|status)$`), FieldAktiv, 2},
	{regexp.MustCompile(`^(adresse|gateadresse|besøksadresse|address|street|gate|vei)$`), FieldAdresse, 1},
	{regexp.MustCompile(`(adresse|address)`), FieldAdresse, 2},
	{regexp.MustCompile(`^(navn|kundenavn|kunde|firmanavn|firma|bedrift|bedriftsnavn|name|customer|company)$`), FieldNavn, 1},
	{regexp.MustCompile(`(navn|name)`), FieldNavn, 2},
}

func patternConfidence(priority int) float64 {
	return 1 - float64(priority-1)*0.1
}

// matchPatterns assigns targets by the pattern bank. A target goes to the column with the
// highest confidence; on equal confidence the earlier column keeps it.
func matchPatterns(columns []string, usedTargets map[string]bool) []MappingSuggestion {
	byTarget := map[string]MappingSuggestion{}
	for _, col := range columns {
		norm := util.NormalizeHeader(col)
		for _, p := range headerPatterns {
			if !p.pattern.MatchString(norm) {
				continue
			}
			if usedTargets[p.target] {
				break
			}
			conf := patternConfidence(p.priority)
			if prev, ok := byTarget[p.target]; !ok || conf > prev.Confidence {
				byTarget[p.target] = MappingSuggestion{SourceColumn: col, TargetField: p.target, Confidence: conf, Tier: TierPattern}
			}
			break
		}
	}

	out := make([]MappingSuggestion, 0, len(byTarget))
	for _, col := range columns {
		for _, s := range byTarget {
			if s.SourceColumn == col {
				out = append(out, s)
			}
		}
	}
	return out
}

// AIMapper is the external mapping service used as the last tier.
type AIMapper interface {
	SuggestMappings(ctx context.Context, req aimapping.Request) ([]aimapping.Mapping, error)
}

type templateStore interface {
	GetTemplateByFingerprint(ctx context.Context, organizationID, fingerprint string) (*internal.MappingTemplate, error)
	IncrementTemplateUse(ctx context.Context, id int64) error
}

type Suggester struct {
	store     templateStore
	ai        AIMapper
	aiTimeout time.Duration
	logger    *zap.Logger
}

// NewSuggester builds the 3-tier suggester. A nil ai disables the last tier.
func NewSuggester(store templateStore, ai AIMapper, aiTimeout time.Duration, logger *zap.Logger) *Suggester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suggester{store: store, ai: ai, aiTimeout: aiTimeout, logger: logger}
}

// Suggest runs template, pattern bank and AI in that order, each filling the gaps left by
// the previous tier. It never fails: store and AI errors degrade to fewer suggestions.
func (s *Suggester) Suggest(ctx context.Context, organizationID string, parsed *ParseResult) SuggestionSet {
	set := SuggestionSet{Suggestions: []MappingSuggestion{}}
	mapped := map[string]bool{}
	used := map[string]bool{}

	add := func(sug MappingSuggestion) {
		set.Suggestions = append(set.Suggestions, sug)
		mapped[sug.SourceColumn] = true
		used[sug.TargetField] = true
	}

	if tmpl := s.lookupTemplate(ctx, organizationID, parsed.ColumnFingerprint); tmpl != nil {
		cfg, err := ParseMappingConfig([]byte(tmpl.MappingJSON))
		if err != nil {
			s.logger.Warn("saved mapping template is unreadable", zap.Int64("template_id", tmpl.ID), zap.Error(err))
		} else {
			headers := map[string]bool{}
			for _, h := range parsed.Headers {
				headers[h] = true
			}
			for _, m := range cfg.Mappings {
				if !headers[m.SourceColumn] || !IsCanonicalField(m.TargetField) || used[m.TargetField] || mapped[m.SourceColumn] {
					continue
				}
				add(MappingSuggestion{SourceColumn: m.SourceColumn, TargetField: m.TargetField, Confidence: templateConfidence, Tier: TierTemplate})
			}
			id := tmpl.ID
			set.TemplateID = &id
			set.Template = &cfg
			if err := s.store.IncrementTemplateUse(ctx, tmpl.ID); err != nil {
				s.logger.Warn("template use count not updated", zap.Int64("template_id", tmpl.ID), zap.Error(err))
			}
		}
	}

	for _, sug := range matchPatterns(unmappedColumns(parsed.Headers, mapped), used) {
		add(sug)
	}

	remaining := unmappedColumns(parsed.Headers, mapped)
	if len(remaining) > 0 && s.ai != nil {
		for _, sug := range s.suggestWithAI(ctx, parsed, remaining, used) {
			add(sug)
		}
	}

	set.Unmapped = unmappedColumns(parsed.Headers, mapped)
	sort.SliceStable(set.Suggestions, func(i, j int) bool {
		return headerIndex(parsed.Headers, set.Suggestions[i].SourceColumn) < headerIndex(parsed.Headers, set.Suggestions[j].SourceColumn)
	})
	return set
}

func (s *Suggester) lookupTemplate(ctx context.Context, organizationID, fingerprint string) *internal.MappingTemplate {
	if s.store == nil {
		return nil
	}
	tmpl, err := s.store.GetTemplateByFingerprint(ctx, organizationID, fingerprint)
	if err != nil {
		s.logger.Warn("mapping template lookup failed", zap.String("organization_id", organizationID), zap.Error(err))
		return nil
	}
	return tmpl
}

func (s *Suggester) suggestWithAI(ctx context.Context, parsed *ParseResult, columns []string, used map[string]bool) []MappingSuggestion {
	req := aimapping.Request{}
	samples := map[string][]string{}
	for _, info := range parsed.ColumnInfo {
		samples[info.Header] = info.SampleValues
	}
	for _, col := range columns {
		req.Columns = append(req.Columns, aimapping.ColumnSample{Name: col, Samples: samples[col]})
	}
	for _, f := range CanonicalFields {
		if !used[f.Name] {
			req.TargetFields = append(req.TargetFields, aimapping.TargetField{Name: f.Name, Label: f.Label, Type: string(f.Type)})
		}
	}
	if len(req.TargetFields) == 0 {
		return nil
	}

	timeout := s.aiTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	aiCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mappings, err := s.ai.SuggestMappings(aiCtx, req)
	if err != nil {
		s.logger.Warn("ai mapping unavailable, continuing without it", zap.Int("columns", len(columns)), zap.Error(err))
		return nil
	}
	return acceptAIMappings(mappings, columns, used)
}

// acceptAIMappings drops low-confidence, unknown, already-used or duplicate answers.
func acceptAIMappings(mappings []aimapping.Mapping, columns []string, used map[string]bool) []MappingSuggestion {
	allowedColumns := map[string]bool{}
	for _, c := range columns {
		allowedColumns[c] = true
	}
	taken := map[string]bool{}
	for k, v := range used {
		taken[k] = v
	}
	seenColumns := map[string]bool{}

	var out []MappingSuggestion
	for _, m := range mappings {
		if m.Confidence < 0.5 || m.Confidence > 1 {
			continue
		}
		if !allowedColumns[m.SourceColumn] || seenColumns[m.SourceColumn] {
			continue
		}
		if !IsCanonicalField(m.TargetField) || taken[m.TargetField] {
			continue
		}
		taken[m.TargetField] = true
		seenColumns[m.SourceColumn] = true
		out = append(out, MappingSuggestion{
			SourceColumn: m.SourceColumn,
			TargetField:  m.TargetField,
			Confidence:   m.Confidence,
			Tier:         TierAI,
			Reasoning:    m.Reasoning,
		})
	}
	return out
}

func unmappedColumns(headers []string, mapped map[string]bool) []string {
	out := []string{}
	for _, h := range headers {
		if !mapped[h] {
			out = append(out, h)
		}
	}
	return out
}

func headerIndex(headers []string, col string) int {
	for i, h := range headers {
		if h == col {
			return i
		}
	}
	return len(headers)
}
