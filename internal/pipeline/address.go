package pipeline

import (
	"regexp"
	"strings"

	"skyplanner/internal"
	"skyplanner/internal/util"
)

var reCombinedAddress = regexp.MustCompile(`^(.+?)\s*,\s*(\d{4})\s+(\S.*)$`)

// SplitAddress splits "Storgata 5, 0184 Oslo" into street, postnummer and poststed.
func SplitAddress(input string) (street, postnummer, poststed string, ok bool) {
	m := reCombinedAddress.FindStringSubmatch(util.CollapseSpaces(input))
	if m == nil {
		return "", "", "", false
	}
	return strings.TrimSpace(m[1]), m[2], strings.TrimSpace(m[3]), true
}

// EnrichAddress fills postal fields of a mapped record in place:
// a combined address is split when both postal fields are empty, poststed is looked up
// from postnummer, and postnummer is inferred from poststed only when unambiguous.
func EnrichAddress(rec internal.Record, postal *PostalRegistry) {
	adresse := recordString(rec, FieldAdresse)
	postnummer := recordString(rec, FieldPostnummer)
	poststed := recordString(rec, FieldPoststed)

	if adresse != "" && postnummer == "" && poststed == "" {
		if street, code, place, ok := SplitAddress(adresse); ok {
			rec[FieldAdresse] = street
			rec[FieldPostnummer] = code
			rec[FieldPoststed] = place
			postnummer, poststed = code, place
		}
	}

	if rePostnummer.MatchString(postnummer) && poststed == "" {
		if entry, ok := postal.Lookup(postnummer); ok {
			rec[FieldPoststed] = entry.DisplayName()
		}
	}

	if postnummer == "" && poststed != "" {
		if code, ok := postal.UniqueStreetCode(poststed); ok {
			rec[FieldPostnummer] = code
		}
	}
}
