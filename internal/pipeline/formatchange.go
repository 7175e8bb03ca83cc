package pipeline

import (
	"skyplanner/internal"
	"skyplanner/internal/util"
)

type ColumnRename struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Similarity float64 `json:"similarity"`
}

type FormatChange struct {
	Changed             bool           `json:"changed"`
	RequiresRemapping   bool           `json:"requiresRemapping"`
	Reason              string         `json:"reason"`
	PreviousFingerprint string         `json:"previousFingerprint,omitempty"`
	AddedColumns        []string       `json:"addedColumns,omitempty"`
	RemovedColumns      []string       `json:"removedColumns,omitempty"`
	RenamedColumns      []ColumnRename `json:"renamedColumns,omitempty"`
	Similarity          float64        `json:"similarity"`
}

const (
	formatNoHistory   = "no_history"
	formatSameAsLast  = "same_as_last"
	formatKnownLayout = "known_layout"
	formatNewLayout   = "new_layout"
)

// DetectFormatChange compares the upload's columns with the organization's history,
// which must be ordered most recently seen first.
func DetectFormatChange(fingerprint string, headers []string, history []internal.ColumnHistory, hasTemplate bool, renameThreshold float64) FormatChange {
	if len(history) == 0 {
		return FormatChange{Reason: formatNoHistory, Similarity: 1}
	}
	latest := history[0]
	if latest.ColumnFingerprint == fingerprint {
		return FormatChange{Reason: formatSameAsLast, Similarity: 1}
	}

	for _, h := range history[1:] {
		if h.ColumnFingerprint == fingerprint {
			return FormatChange{
				Changed:             true,
				RequiresRemapping:   !hasTemplate,
				Reason:              formatKnownLayout,
				PreviousFingerprint: latest.ColumnFingerprint,
				Similarity:          1,
			}
		}
	}

	change := compareColumns(latest.Columns, headers, renameThreshold)
	change.Changed = true
	change.Reason = formatNewLayout
	change.PreviousFingerprint = latest.ColumnFingerprint
	change.RequiresRemapping = len(change.RemovedColumns) > 0 || len(change.RenamedColumns) > 0
	return change
}

// compareColumns matches normalized names exactly, then pairs each removed column with the
// most similar added column above the threshold as a rename.
func compareColumns(previous, current []string, renameThreshold float64) FormatChange {
	prevByKey := map[string]string{}
	for _, c := range previous {
		prevByKey[util.NormalizeColumnKey(c)] = c
	}
	curByKey := map[string]string{}
	for _, c := range current {
		curByKey[util.NormalizeColumnKey(c)] = c
	}

	exact := 0
	var added, removed []string
	for _, c := range current {
		if _, ok := prevByKey[util.NormalizeColumnKey(c)]; ok {
			exact++
		} else {
			added = append(added, c)
		}
	}
	for _, c := range previous {
		if _, ok := curByKey[util.NormalizeColumnKey(c)]; !ok {
			removed = append(removed, c)
		}
	}

	var renames []ColumnRename
	var stillRemoved []string
	for _, r := range removed {
		bestIdx, bestScore := -1, 0.0
		for i, a := range added {
			score := util.LevenshteinRatio(util.NormalizeColumnKey(r), util.NormalizeColumnKey(a))
			if score > renameThreshold && score > bestScore {
				bestIdx, bestScore = i, score
			}
		}
		if bestIdx < 0 {
			stillRemoved = append(stillRemoved, r)
			continue
		}
		renames = append(renames, ColumnRename{From: r, To: added[bestIdx], Similarity: bestScore})
		added = append(added[:bestIdx:bestIdx], added[bestIdx+1:]...)
	}

	union := exact + len(renames) + len(added) + len(stillRemoved)
	similarity := 1.0
	if union > 0 {
		similarity = float64(exact+len(renames)) / float64(union)
	}
	return FormatChange{
		AddedColumns:   added,
		RemovedColumns: stillRemoved,
		RenamedColumns: renames,
		Similarity:     similarity,
	}
}
