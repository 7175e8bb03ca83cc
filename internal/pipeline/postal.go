package pipeline

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/language"
	"golang.org/x/text/transform"

	"skyplanner/internal/util"
)

//go:embed data/postnummer_subset.tsv
var embeddedPostalSubset []byte

var titleCaser = cases.Title(language.Norwegian)

// PostalEntry is one line of Posten's Postnummerregister.
type PostalEntry struct {
	Postnummer    string
	Poststed      string
	Kommunenummer string
	Kommune       string
	// Kategori: G street addresses, P post boxes, B both, S service codes, F several uses.
	Kategori string
}

func (e PostalEntry) IsStreet() bool {
	return e.Kategori == "G" || e.Kategori == "B"
}

// DisplayName is the poststed in title case ("KRISTIANSAND S" -> "Kristiansand S").
func (e PostalEntry) DisplayName() string {
	return titleCaser.String(strings.ToLower(e.Poststed))
}

type PostalRegistry struct {
	byCode  map[string]PostalEntry
	byPlace map[string][]PostalEntry
	// complete is set when the full register is loaded; only then is an unknown code reportable.
	complete bool
}

// DefaultPostalRegistry returns the small built-in register (major cities only).
func DefaultPostalRegistry() *PostalRegistry {
	reg, err := parsePostalRegistry(bytes.NewReader(embeddedPostalSubset))
	if err != nil {
		panic(fmt.Sprintf("embedded postal register: %v", err))
	}
	return reg
}

// LoadPostalRegistry reads Posten's tab-separated register file, which is Windows-1252 encoded.
// An empty path returns the built-in subset.
func LoadPostalRegistry(path string) (*PostalRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPostalRegistry(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reg, err := parsePostalRegistry(transform.NewReader(f, charmap.Windows1252.NewDecoder()))
	if err != nil {
		return nil, fmt.Errorf("postal register %s: %w", path, err)
	}
	reg.complete = true
	return reg, nil
}

func parsePostalRegistry(r io.Reader) (*PostalRegistry, error) {
	reg := &PostalRegistry{byCode: map[string]PostalEntry{}, byPlace: map[string][]PostalEntry{}}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		cols := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
		if len(cols) < 2 || !rePostnummer.MatchString(strings.TrimSpace(cols[0])) {
			continue
		}
		entry := PostalEntry{
			Postnummer: strings.TrimSpace(cols[0]),
			Poststed:   strings.ToUpper(util.CollapseSpaces(cols[1])),
		}
		if len(cols) > 2 {
			entry.Kommunenummer = strings.TrimSpace(cols[2])
		}
		if len(cols) > 3 {
			entry.Kommune = util.CollapseSpaces(cols[3])
		}
		if len(cols) > 4 {
			entry.Kategori = strings.ToUpper(strings.TrimSpace(cols[4]))
		}
		reg.byCode[entry.Postnummer] = entry
		reg.byPlace[entry.Poststed] = append(reg.byPlace[entry.Poststed], entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(reg.byCode) == 0 {
		return nil, fmt.Errorf("no postal codes found")
	}
	return reg, nil
}

func (p *PostalRegistry) Lookup(postnummer string) (PostalEntry, bool) {
	if p == nil {
		return PostalEntry{}, false
	}
	e, ok := p.byCode[strings.TrimSpace(postnummer)]
	return e, ok
}

// UniqueStreetCode returns the postnummer for a poststed only when exactly one
// street-category code exists for it.
func (p *PostalRegistry) UniqueStreetCode(poststed string) (string, bool) {
	if p == nil {
		return "", false
	}
	var found []string
	for _, e := range p.byPlace[strings.ToUpper(util.CollapseSpaces(poststed))] {
		if e.IsStreet() {
			found = append(found, e.Postnummer)
		}
	}
	if len(found) != 1 {
		return "", false
	}
	return found[0], true
}

func (p *PostalRegistry) Complete() bool {
	return p != nil && p.complete
}

func (p *PostalRegistry) Len() int {
	if p == nil {
		return 0
	}
	return len(p.byCode)
}

// SamePlace compares poststed spellings ignoring case and spacing.
func SamePlace(a, b string) bool {
	return strings.EqualFold(util.CollapseSpaces(a), util.CollapseSpaces(b))
}
