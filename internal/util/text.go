package util

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"
)

var (
	reSpaces    = regexp.MustCompile(`\s+`)
	reInvisible = regexp.MustCompile("[\u200B\u200C\u200D\u2060\uFEFF\u00AD]")
)

// NormalizeHeader is the canonical header form used for fingerprints: NFC, lowercase,
// trimmed, inner whitespace collapsed to one space.
func NormalizeHeader(input string) string {
	s := norm.NFC.String(input)
	s = reInvisible.ReplaceAllString(s, "")
	s = strings.ToLower(strings.ReplaceAll(s, "\u00A0", " "))
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeColumnKey lowercases, turns whitespace into underscores and drops anything
// that is not a letter, digit or underscore.
func NormalizeColumnKey(input string) string {
	s := NormalizeHeader(input)
	s = strings.ReplaceAll(s, " ", "_")
	out := strings.Builder{}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// CollapseSpaces trims and squeezes whitespace runs (including NBSP) to single spaces.
func CollapseSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(strings.ReplaceAll(input, "\u00A0", " "), " "))
}

func StripInvisible(input string) string {
	return reInvisible.ReplaceAllString(input, "")
}

func DigitsOnly(input string) string {
	out := strings.Builder{}
	for _, r := range input {
		if r >= '0' && r <= '9' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// LevenshteinRatio is 1 - distance/maxLen over runes; 1 for two empty strings.
func LevenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

func EditDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

func StringPtr(v string) *string {
	return &v
}

func FloatPtr(v float64) *float64 {
	return &v
}

func Int64Ptr(v int64) *int64 {
	return &v
}

func BoolPtr(v bool) *bool {
	return &v
}
