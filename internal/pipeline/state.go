package pipeline

import (
	"fmt"

	"skyplanner/internal"
)

var transitions = map[internal.BatchStatus][]internal.BatchStatus{
	internal.BatchParsed:     {internal.BatchMapping, internal.BatchCancelled},
	internal.BatchMapping:    {internal.BatchMapped, internal.BatchCancelled},
	internal.BatchMapped:     {internal.BatchMapping, internal.BatchValidating, internal.BatchCancelled},
	internal.BatchValidating: {internal.BatchValidated, internal.BatchCancelled},
	internal.BatchValidated:  {internal.BatchMapping, internal.BatchValidating, internal.BatchCommitting, internal.BatchCancelled},
	internal.BatchCommitting: {internal.BatchCommitted},
	internal.BatchCommitted:  {internal.BatchCancelled},
}

func CanTransition(from, to internal.BatchStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s internal.BatchStatus) bool {
	return s == internal.BatchCancelled
}

// requireTransition rejects an operation before it touches anything.
func requireTransition(b *internal.ImportBatch, to internal.BatchStatus, operation string) error {
	if !CanTransition(b.Status, to) {
		return fmt.Errorf("%w: cannot %s batch %d in status %s", ErrInvalidState, operation, b.ID, b.Status)
	}
	return nil
}
