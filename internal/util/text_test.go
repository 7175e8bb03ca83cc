package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, "kunde navn", NormalizeHeader("  Kunde \t Navn "))
	assert.Equal(t, "postnr", NormalizeHeader("Post\u200Bnr"))
	assert.Equal(t, NormalizeHeader("Sted\u00E5"), NormalizeHeader("Steda\u030A"))
}

func TestNormalizeColumnKey(t *testing.T) {
	assert.Equal(t, "epost", NormalizeColumnKey("E-post"))
	assert.Equal(t, "siste_kontroll", NormalizeColumnKey("Siste  kontroll"))
	assert.Equal(t, "gateadresse_nr", NormalizeColumnKey("Gateadresse (nr.)"))
}

func TestLevenshteinRatio(t *testing.T) {
	assert.Equal(t, 1.0, LevenshteinRatio("", ""))
	assert.Equal(t, 1.0, LevenshteinRatio("oslo", "oslo"))
	assert.InDelta(t, 0.75, LevenshteinRatio("navn", "nav"), 1e-9)
	assert.InDelta(t, LevenshteinRatio("storgata", "storgate"), LevenshteinRatio("storgate", "storgata"), 1e-12)
	assert.Equal(t, 0.0, LevenshteinRatio("abc", "xyz"))
}

func TestDigitsOnly(t *testing.T) {
	assert.Equal(t, "4712345678", DigitsOnly("+47 123 45 678"))
}
