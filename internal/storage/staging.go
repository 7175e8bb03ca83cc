package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"skyplanner/internal"
)

// InsertStagingRows writes one chunk of rows inside a single transaction and fills in their ids.
func (d *DB) InsertStagingRows(ctx context.Context, rows []internal.StagingRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO import_staging_rows (batch_id, organization_id, row_number, raw_data, mapped_data, validation_status)
VALUES (?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range rows {
		r := &rows[i]
		status := r.ValidationStatus
		if status == "" {
			status = internal.RowPending
		}
		result, err := stmt.ExecContext(ctx, r.BatchID, r.OrganizationID, r.RowNumber, marshalJSON(r.RawData), recordJSON(r.MappedData), string(status))
		if err != nil {
			return err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		r.ID = id
		r.ValidationStatus = status
	}

	return tx.Commit()
}

func (d *DB) ListStagingRows(ctx context.Context, batchID int64, offset, limit int) ([]internal.StagingRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.conn.QueryContext(ctx, `
SELECT id, batch_id, organization_id, row_number, raw_data, mapped_data, validation_status, action_taken, target_kunde_id, error_message
FROM import_staging_rows WHERE batch_id = ? ORDER BY row_number ASC LIMIT ? OFFSET ?
`, batchID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.StagingRow
	for rows.Next() {
		var r internal.StagingRow
		var rawJSON string
		var mappedJSON sql.NullString
		var status string
		var action sql.NullString
		if err := rows.Scan(&r.ID, &r.BatchID, &r.OrganizationID, &r.RowNumber, &rawJSON, &mappedJSON, &status, &action, &r.TargetKundeID, &r.ErrorMessage); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rawJSON), &r.RawData); err != nil {
			return nil, fmt.Errorf("staging row %d raw data: %w", r.ID, err)
		}
		if mappedJSON.Valid && mappedJSON.String != "" {
			if err := json.Unmarshal([]byte(mappedJSON.String), &r.MappedData); err != nil {
				return nil, fmt.Errorf("staging row %d mapped data: %w", r.ID, err)
			}
		}
		r.ValidationStatus = internal.ValidationStatus(status)
		if action.Valid {
			a := internal.RowAction(action.String)
			r.ActionTaken = &a
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) CountStagingRows(ctx context.Context, batchID int64) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM import_staging_rows WHERE batch_id = ?`, batchID).Scan(&n)
	return n, err
}

func (d *DB) UpdateStagingRow(ctx context.Context, r internal.StagingRow) error {
	var action *string
	if r.ActionTaken != nil {
		a := string(*r.ActionTaken)
		action = &a
	}
	_, err := d.conn.ExecContext(ctx, `
UPDATE import_staging_rows SET
  mapped_data = ?,
  validation_status = ?,
  action_taken = ?,
  target_kunde_id = ?,
  error_message = ?,
  updated_at = CURRENT_TIMESTAMP
WHERE id = ?
`, recordJSON(r.MappedData), string(r.ValidationStatus), action, r.TargetKundeID, r.ErrorMessage, r.ID)
	return err
}

// DeleteStagingRows removes a batch's staging rows together with their validation errors.
func (d *DB) DeleteStagingRows(ctx context.Context, batchID int64) (int, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM import_validation_errors WHERE batch_id = ?`, batchID); err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM import_staging_rows WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), tx.Commit()
}

func (d *DB) InsertValidationErrors(ctx context.Context, errs []internal.ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO import_validation_errors (
  batch_id, staging_row_id, row_number, severity, error_code, field_name, message, suggestion, expected_format, actual_value
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range errs {
		if _, err := stmt.ExecContext(ctx, e.BatchID, e.StagingRowID, e.RowNumber, string(e.Severity), e.Code, e.Field, e.Message, e.Suggestion, e.ExpectedFormat, e.ActualValue); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) ListValidationErrors(ctx context.Context, batchID int64) ([]internal.ValidationError, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT id, batch_id, staging_row_id, row_number, severity, error_code, field_name, message, suggestion, expected_format, actual_value
FROM import_validation_errors WHERE batch_id = ? ORDER BY row_number ASC, id ASC
`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ValidationError
	for rows.Next() {
		var e internal.ValidationError
		var severity string
		if err := rows.Scan(&e.ID, &e.BatchID, &e.StagingRowID, &e.RowNumber, &severity, &e.Code, &e.Field, &e.Message, &e.Suggestion, &e.ExpectedFormat, &e.ActualValue); err != nil {
			return nil, err
		}
		e.Severity = internal.Severity(severity)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) DeleteValidationErrors(ctx context.Context, batchID int64) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM import_validation_errors WHERE batch_id = ?`, batchID)
	return err
}

func recordJSON(r internal.Record) *string {
	if r == nil {
		return nil
	}
	s := marshalJSON(r)
	return &s
}
