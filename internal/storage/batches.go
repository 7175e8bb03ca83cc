package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"skyplanner/internal"
)

const batchColumns = `
id, organization_id, source, file_name, file_hash, file_size, column_fingerprint, headers_json,
column_count, row_count, status, valid_count, warning_count, error_count, format_changed,
requires_remapping, suggestions_json, mapping_json, quality_json, created_by,
committed_at, committed_by, created_at, updated_at`

func (d *DB) CreateBatch(ctx context.Context, b *internal.ImportBatch) error {
	result, err := d.conn.ExecContext(ctx, `
INSERT INTO import_batches (
  organization_id, source, file_name, file_hash, file_size, column_fingerprint, headers_json,
  column_count, row_count, status, format_changed, requires_remapping, suggestions_json, created_by
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, b.OrganizationID, string(b.Source), b.FileName, b.FileHash, b.FileSize, b.ColumnFingerprint, marshalJSON(b.Headers),
		b.ColumnCount, b.RowCount, string(b.Status), boolToInt(b.FormatChanged), boolToInt(b.RequiresRemapping), b.SuggestionsJSON, b.CreatedBy)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = id
	return nil
}

func (d *DB) GetBatch(ctx context.Context, organizationID string, id int64) (*internal.ImportBatch, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM import_batches WHERE id = ? AND organization_id = ?`, id, organizationID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (d *DB) ListBatches(ctx context.Context, organizationID string, limit int) ([]internal.ImportBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.QueryContext(ctx, `SELECT `+batchColumns+` FROM import_batches WHERE organization_id = ? ORDER BY id DESC LIMIT ?`, organizationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// UpdateBatch persists the mutable lifecycle fields of a batch.
func (d *DB) UpdateBatch(ctx context.Context, b *internal.ImportBatch) error {
	_, err := d.conn.ExecContext(ctx, `
UPDATE import_batches SET
  status = ?,
  valid_count = ?,
  warning_count = ?,
  error_count = ?,
  format_changed = ?,
  requires_remapping = ?,
  suggestions_json = ?,
  mapping_json = ?,
  quality_json = ?,
  committed_at = ?,
  committed_by = ?,
  updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND organization_id = ?
`, string(b.Status), b.ValidCount, b.WarningCount, b.ErrorCount, boolToInt(b.FormatChanged), boolToInt(b.RequiresRemapping),
		b.SuggestionsJSON, b.MappingJSON, b.QualityJSON, b.CommittedAt, b.CommittedBy, b.ID, b.OrganizationID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(s rowScanner) (*internal.ImportBatch, error) {
	var b internal.ImportBatch
	var source, status, headersJSON string
	var formatChanged, requiresRemapping int
	if err := s.Scan(
		&b.ID, &b.OrganizationID, &source, &b.FileName, &b.FileHash, &b.FileSize, &b.ColumnFingerprint, &headersJSON,
		&b.ColumnCount, &b.RowCount, &status, &b.ValidCount, &b.WarningCount, &b.ErrorCount, &formatChanged,
		&requiresRemapping, &b.SuggestionsJSON, &b.MappingJSON, &b.QualityJSON, &b.CreatedBy,
		&b.CommittedAt, &b.CommittedBy, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Source = internal.BatchSource(source)
	b.Status = internal.BatchStatus(status)
	b.FormatChanged = formatChanged == 1
	b.RequiresRemapping = requiresRemapping == 1
	if err := json.Unmarshal([]byte(headersJSON), &b.Headers); err != nil {
		return nil, fmt.Errorf("batch %d headers: %w", b.ID, err)
	}
	return &b, nil
}
