package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplanner/internal"
)

func history(layouts ...[]string) []internal.ColumnHistory {
	out := make([]internal.ColumnHistory, 0, len(layouts))
	for _, cols := range layouts {
		out = append(out, internal.ColumnHistory{ColumnFingerprint: Fingerprint(cols), Columns: cols})
	}
	return out
}

func TestDetectFormatChangeNoHistory(t *testing.T) {
	cols := []string{"Navn", "Adresse"}
	change := DetectFormatChange(Fingerprint(cols), cols, nil, false, 0.6)
	assert.False(t, change.Changed)
	assert.False(t, change.RequiresRemapping)
	assert.Equal(t, formatNoHistory, change.Reason)
}

func TestDetectFormatChangeSameAsLast(t *testing.T) {
	cols := []string{"Navn", "Adresse"}
	change := DetectFormatChange(Fingerprint(cols), []string{"NAVN", "adresse"}, history(cols), false, 0.6)
	assert.False(t, change.Changed)
	assert.Equal(t, formatSameAsLast, change.Reason)
}

func TestDetectFormatChangeKnownLayout(t *testing.T) {
	old := []string{"Navn", "Adresse"}
	latest := []string{"Kunde", "Gate"}

	change := DetectFormatChange(Fingerprint(old), old, history(latest, old), true, 0.6)
	assert.True(t, change.Changed)
	assert.False(t, change.RequiresRemapping)
	assert.Equal(t, formatKnownLayout, change.Reason)
	assert.Equal(t, Fingerprint(latest), change.PreviousFingerprint)

	change = DetectFormatChange(Fingerprint(old), old, history(latest, old), false, 0.6)
	assert.True(t, change.RequiresRemapping)
}

func TestDetectFormatChangeAddedColumnOnly(t *testing.T) {
	prev := []string{"Navn", "Adresse"}
	cur := []string{"Navn", "Adresse", "Telefon"}

	change := DetectFormatChange(Fingerprint(cur), cur, history(prev), false, 0.6)
	assert.True(t, change.Changed)
	assert.False(t, change.RequiresRemapping)
	assert.Equal(t, formatNewLayout, change.Reason)
	assert.Equal(t, []string{"Telefon"}, change.AddedColumns)
	assert.Empty(t, change.RemovedColumns)
	assert.InDelta(t, 2.0/3.0, change.Similarity, 1e-9)
}

func TestDetectFormatChangeRenameAndRemoval(t *testing.T) {
	prev := []string{"Kundenavn", "Adresse", "Postnummer", "Faks"}
	cur := []string{"Kundenavn", "Adresse", "Postnr", "Kundens e-post"}

	change := DetectFormatChange(Fingerprint(cur), cur, history(prev), false, 0.6)
	assert.True(t, change.RequiresRemapping)
	assert.Contains(t, change.RemovedColumns, "Faks")
	assert.Contains(t, change.AddedColumns, "Kundens e-post")
	for _, r := range change.RenamedColumns {
		assert.Greater(t, r.Similarity, 0.6)
	}
}

func TestDetectFormatChangeCloseRename(t *testing.T) {
	prev := []string{"Navn", "Siste kontroll"}
	cur := []string{"Navn", "Siste kontrol"}

	change := DetectFormatChange(Fingerprint(cur), cur, history(prev), false, 0.6)
	require.Len(t, change.RenamedColumns, 1)
	assert.Equal(t, "Siste kontroll", change.RenamedColumns[0].From)
	assert.Equal(t, "Siste kontrol", change.RenamedColumns[0].To)
	assert.Empty(t, change.AddedColumns)
	assert.Empty(t, change.RemovedColumns)
	assert.True(t, change.RequiresRemapping)
	assert.Equal(t, 1.0, change.Similarity)
}
