package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"skyplanner/internal"
	"skyplanner/internal/util"
)

type CommitRequest struct {
	OrganizationID string
	BatchID        int64
	UserID         string
	// ExcludedRows and the FieldEdits keys are staging row numbers.
	ExcludedRows []int
	FieldEdits   map[int]internal.Record
	DryRun       bool
}

type RowError struct {
	RowNumber int    `json:"rowNumber"`
	Message   string `json:"message"`
}

type RowOutcome struct {
	RowNumber int                `json:"rowNumber"`
	Action    internal.RowAction `json:"action"`
	KundeID   *int64             `json:"kundeId,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type CommitResult struct {
	BatchID int64        `json:"batchId"`
	DryRun  bool         `json:"dryRun"`
	Created int          `json:"created"`
	Updated int          `json:"updated"`
	Skipped int          `json:"skipped"`
	Failed  int          `json:"failed"`
	Errors  []RowError   `json:"errors"`
	Rows    []RowOutcome `json:"rows"`
}

// Commit writes the batch into the customer register. A failing row is reported and the
// rest continue. DryRun counts the same outcomes without writing anything.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	batch, err := s.loadBatch(ctx, req.OrganizationID, req.BatchID)
	if err != nil {
		return nil, err
	}
	if err := requireTransition(batch, internal.BatchCommitting, "commit"); err != nil {
		return nil, err
	}
	cfg, err := ParseMappingConfig([]byte(batch.MappingJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: batch %d has no usable mapping", ErrInvalidState, batch.ID)
	}
	rows, err := s.allRows(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	if !req.DryRun {
		batch.Status = internal.BatchCommitting
		if err := s.store.UpdateBatch(ctx, batch); err != nil {
			return nil, err
		}
	}

	excluded := map[int]bool{}
	for _, n := range req.ExcludedRows {
		excluded[n] = true
	}
	// planned stands in for rows a dry run would have created.
	planned := map[string]bool{}

	result := &CommitResult{BatchID: batch.ID, DryRun: req.DryRun, Errors: []RowError{}, Rows: []RowOutcome{}}
	for _, row := range rows {
		outcome := s.commitRow(ctx, batch, row, req, cfg.Options, excluded, planned)
		switch outcome.Action {
		case internal.ActionCreated:
			result.Created++
		case internal.ActionUpdated:
			result.Updated++
		case internal.ActionSkipped:
			result.Skipped++
		case internal.ActionError:
			result.Failed++
			result.Errors = append(result.Errors, RowError{RowNumber: row.RowNumber, Message: outcome.Error})
		}
		result.Rows = append(result.Rows, outcome)

		if req.DryRun {
			continue
		}
		row.ActionTaken = &outcome.Action
		row.TargetKundeID = outcome.KundeID
		row.ErrorMessage = optionalString(outcome.Error)
		if err := s.store.UpdateStagingRow(ctx, row); err != nil {
			s.logger.Error("commit outcome not recorded",
				zap.Int64("batch_id", batch.ID),
				zap.Int("row", row.RowNumber),
				zap.String("action", string(outcome.Action)),
				zap.Error(err),
			)
		}
	}

	if req.DryRun {
		return result, nil
	}

	now := s.now().UTC().Format(time.RFC3339)
	batch.Status = internal.BatchCommitted
	batch.CommittedAt = &now
	batch.CommittedBy = optionalString(req.UserID)
	if err := s.store.UpdateBatch(context.WithoutCancel(ctx), batch); err != nil {
		return result, fmt.Errorf("mark batch %d committed: %w", batch.ID, err)
	}
	s.audit(ctx, batch, req.UserID, "commit", map[string]any{
		"created": result.Created,
		"updated": result.Updated,
		"skipped": result.Skipped,
		"failed":  result.Failed,
	})
	s.logger.Info("batch committed",
		zap.Int64("batch_id", batch.ID),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (s *Service) commitRow(ctx context.Context, batch *internal.ImportBatch, row internal.StagingRow, req CommitRequest, opts MappingOptions, excluded map[int]bool, planned map[string]bool) RowOutcome {
	outcome := RowOutcome{RowNumber: row.RowNumber}
	if excluded[row.RowNumber] || row.ValidationStatus == internal.RowInvalid {
		outcome.Action = internal.ActionSkipped
		return outcome
	}

	data := internal.Record{}
	for k, v := range row.MappedData {
		data[k] = v
	}
	for k, v := range req.FieldEdits[row.RowNumber] {
		if IsCanonicalField(k) {
			data[k] = v
		}
	}

	incoming, err := customerFromRecord(batch.OrganizationID, batch.ID, data)
	if err != nil {
		outcome.Action, outcome.Error = internal.ActionError, err.Error()
		return outcome
	}

	existing, err := s.store.FindCustomerByNameAndAddress(ctx, batch.OrganizationID, incoming.Navn, incoming.Adresse)
	if err != nil {
		outcome.Action, outcome.Error = internal.ActionError, err.Error()
		return outcome
	}

	if existing == nil && req.DryRun {
		key := customerKey(incoming.Navn, incoming.Adresse)
		if planned[key] {
			existing = &internal.Customer{}
		} else {
			planned[key] = true
		}
	}

	switch {
	case existing != nil && opts.SkipExisting:
		outcome.Action = internal.ActionSkipped
		if existing.ID != 0 {
			outcome.KundeID = &existing.ID
		}
	case existing != nil:
		merged := mergeCustomer(*existing, *incoming)
		if !req.DryRun {
			if err := s.store.UpdateCustomer(ctx, &merged); err != nil {
				outcome.Action, outcome.Error = internal.ActionError, err.Error()
				return outcome
			}
		}
		outcome.Action = internal.ActionUpdated
		if merged.ID != 0 {
			outcome.KundeID = &merged.ID
		}
	default:
		if !req.DryRun {
			if err := s.store.CreateCustomer(ctx, incoming); err != nil {
				outcome.Action, outcome.Error = internal.ActionError, err.Error()
				return outcome
			}
			outcome.KundeID = &incoming.ID
		}
		outcome.Action = internal.ActionCreated
	}
	return outcome
}

type RollbackResult struct {
	BatchID int64 `json:"batchId"`
	Deleted int   `json:"deleted"`
	// NeedsManualReview counts updated customers; their previous values were not kept.
	NeedsManualReview int        `json:"needsManualReview"`
	Failed            int        `json:"failed"`
	Errors            []RowError `json:"errors"`
}

// Rollback deletes the customers a committed batch created and cancels the batch.
// Updated customers are only counted.
func (s *Service) Rollback(ctx context.Context, organizationID string, batchID int64, userID string) (*RollbackResult, error) {
	batch, err := s.loadBatch(ctx, organizationID, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != internal.BatchCommitted {
		return nil, fmt.Errorf("%w: cannot roll back batch %d in status %s", ErrInvalidState, batch.ID, batch.Status)
	}
	rows, err := s.allRows(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	result := &RollbackResult{BatchID: batch.ID, Errors: []RowError{}}
	deleted := map[int64]bool{}
	for _, row := range rows {
		if row.ActionTaken == nil || *row.ActionTaken != internal.ActionCreated || row.TargetKundeID == nil {
			continue
		}
		if err := s.store.DeleteCustomer(ctx, batch.OrganizationID, *row.TargetKundeID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, RowError{RowNumber: row.RowNumber, Message: err.Error()})
			continue
		}
		deleted[*row.TargetKundeID] = true
		result.Deleted++
	}
	// A later row in the same batch may have updated a customer an earlier row created.
	for _, row := range rows {
		if row.ActionTaken == nil || *row.ActionTaken != internal.ActionUpdated {
			continue
		}
		if row.TargetKundeID != nil && deleted[*row.TargetKundeID] {
			continue
		}
		result.NeedsManualReview++
	}

	batch.Status = internal.BatchCancelled
	if err := s.store.UpdateBatch(context.WithoutCancel(ctx), batch); err != nil {
		return result, fmt.Errorf("mark batch %d cancelled: %w", batch.ID, err)
	}
	s.audit(ctx, batch, userID, "rollback", map[string]any{
		"deleted":           result.Deleted,
		"needsManualReview": result.NeedsManualReview,
		"failed":            result.Failed,
	})
	if result.NeedsManualReview > 0 {
		s.logger.Warn("rolled back batch had updated customers",
			zap.Int64("batch_id", batch.ID),
			zap.Int("needs_manual_review", result.NeedsManualReview),
		)
	}
	return result, nil
}

// CancelBatch abandons a batch that has not been committed and drops its staging rows.
func (s *Service) CancelBatch(ctx context.Context, organizationID string, batchID int64, userID string) (*internal.ImportBatch, error) {
	batch, err := s.loadBatch(ctx, organizationID, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status == internal.BatchCommitted {
		return nil, fmt.Errorf("%w: batch %d is committed, use rollback", ErrInvalidState, batch.ID)
	}
	if err := requireTransition(batch, internal.BatchCancelled, "cancel"); err != nil {
		return nil, err
	}

	removed, err := s.store.DeleteStagingRows(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	batch.Status = internal.BatchCancelled
	if err := s.store.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}
	s.audit(ctx, batch, userID, "cancel", map[string]any{"removedRows": removed})
	return batch, nil
}

func customerFromRecord(organizationID string, batchID int64, rec internal.Record) (*internal.Customer, error) {
	c := &internal.Customer{
		OrganizationID: organizationID,
		Navn:           recordString(rec, FieldNavn),
		Adresse:        recordString(rec, FieldAdresse),
		ImportBatchID:  &batchID,
	}
	if c.Navn == "" {
		return nil, errors.New("kundenavn mangler")
	}
	if c.Adresse == "" {
		return nil, errors.New("adresse mangler")
	}

	text := func(field string) *string { return optionalString(recordString(rec, field)) }
	c.Postnummer = text(FieldPostnummer)
	c.Poststed = text(FieldPoststed)
	c.Telefon = text(FieldTelefon)
	c.Epost = text(FieldEpost)
	c.Kontaktperson = text(FieldKontaktperson)
	c.OrgNummer = text(FieldOrgNummer)
	c.Kategori = text(FieldKategori)
	c.SisteKontroll = text(FieldSisteKontroll)
	c.NesteKontroll = text(FieldNesteKontroll)
	c.SisteBrannkontroll = text(FieldSisteBrannkontroll)
	c.NesteBrannkontroll = text(FieldNesteBrannkontroll)
	c.Notater = text(FieldNotater)

	if v := recordString(rec, FieldKontrollIntervall); v != "" {
		n, ok := parseInteger(v)
		if !ok {
			return nil, fmt.Errorf("kontrollintervall %q er ikke et heltall", v)
		}
		c.KontrollIntervallMnd = &n
	}
	switch v := rec[FieldAktiv].(type) {
	case bool:
		c.Aktiv = util.BoolPtr(v)
	case string:
		if b, ok := ParseBoolean(v); ok {
			c.Aktiv = &b
		}
	}
	return c, nil
}

// mergeCustomer fills the existing customer with every value the import provides.
func mergeCustomer(existing, incoming internal.Customer) internal.Customer {
	out := existing
	pick := func(dst **string, src *string) {
		if src != nil {
			*dst = src
		}
	}
	pick(&out.Postnummer, incoming.Postnummer)
	pick(&out.Poststed, incoming.Poststed)
	pick(&out.Telefon, incoming.Telefon)
	pick(&out.Epost, incoming.Epost)
	pick(&out.Kontaktperson, incoming.Kontaktperson)
	pick(&out.OrgNummer, incoming.OrgNummer)
	pick(&out.Kategori, incoming.Kategori)
	pick(&out.SisteKontroll, incoming.SisteKontroll)
	pick(&out.NesteKontroll, incoming.NesteKontroll)
	pick(&out.SisteBrannkontroll, incoming.SisteBrannkontroll)
	pick(&out.NesteBrannkontroll, incoming.NesteBrannkontroll)
	pick(&out.Notater, incoming.Notater)
	if incoming.KontrollIntervallMnd != nil {
		out.KontrollIntervallMnd = incoming.KontrollIntervallMnd
	}
	if incoming.Aktiv != nil {
		out.Aktiv = incoming.Aktiv
	}
	return out
}

func customerKey(navn, adresse string) string {
	return strings.ToLower(util.CollapseSpaces(navn)) + "\x00" + strings.ToLower(util.CollapseSpaces(adresse))
}
