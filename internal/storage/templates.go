package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"skyplanner/internal"
)

func (d *DB) GetTemplateByFingerprint(ctx context.Context, organizationID, fingerprint string) (*internal.MappingTemplate, error) {
	var t internal.MappingTemplate
	var columnsJSON string
	err := d.conn.QueryRowContext(ctx, `
SELECT id, organization_id, column_fingerprint, name, source_columns, mapping_config, confirmed_by, confirmed_at, use_count, last_used_at
FROM import_mapping_templates WHERE organization_id = ? AND column_fingerprint = ?
`, organizationID, fingerprint).Scan(
		&t.ID, &t.OrganizationID, &t.ColumnFingerprint, &t.Name, &columnsJSON, &t.MappingJSON, &t.ConfirmedBy, &t.ConfirmedAt, &t.UseCount, &t.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(columnsJSON), &t.SourceColumns); err != nil {
		return nil, fmt.Errorf("template %d source columns: %w", t.ID, err)
	}
	return &t, nil
}

// UpsertTemplate saves the confirmed mapping for a fingerprint. use_count survives updates.
func (d *DB) UpsertTemplate(ctx context.Context, t *internal.MappingTemplate) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO import_mapping_templates (organization_id, column_fingerprint, name, source_columns, mapping_config, confirmed_by, confirmed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(organization_id, column_fingerprint) DO UPDATE SET
  name=excluded.name,
  source_columns=excluded.source_columns,
  mapping_config=excluded.mapping_config,
  confirmed_by=excluded.confirmed_by,
  confirmed_at=excluded.confirmed_at,
  updated_at=CURRENT_TIMESTAMP
`, t.OrganizationID, t.ColumnFingerprint, t.Name, marshalJSON(t.SourceColumns), t.MappingJSON, t.ConfirmedBy, t.ConfirmedAt)
	if err != nil {
		return err
	}

	saved, err := d.GetTemplateByFingerprint(ctx, t.OrganizationID, t.ColumnFingerprint)
	if err != nil {
		return err
	}
	if saved == nil {
		return errors.New("failed to upsert mapping template")
	}
	*t = *saved
	return nil
}

func (d *DB) IncrementTemplateUse(ctx context.Context, id int64) error {
	_, err := d.conn.ExecContext(ctx, `
UPDATE import_mapping_templates SET use_count = use_count + 1, last_used_at = CURRENT_TIMESTAMP WHERE id = ?
`, id)
	return err
}

// ListColumnHistory returns the organization's fingerprints, most recently seen first.
func (d *DB) ListColumnHistory(ctx context.Context, organizationID string) ([]internal.ColumnHistory, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT id, organization_id, column_fingerprint, columns_json, first_seen_at, last_seen_at, batch_count
FROM import_column_history WHERE organization_id = ?
ORDER BY seen_seq DESC
`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ColumnHistory
	for rows.Next() {
		var h internal.ColumnHistory
		var columnsJSON string
		if err := rows.Scan(&h.ID, &h.OrganizationID, &h.ColumnFingerprint, &columnsJSON, &h.FirstSeenAt, &h.LastSeenAt, &h.BatchCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(columnsJSON), &h.Columns); err != nil {
			return nil, fmt.Errorf("column history %d columns: %w", h.ID, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecordColumnHistory marks the fingerprint as the organization's latest layout. seen_seq
// orders the history; timestamps can tie when uploads land in the same second.
func (d *DB) RecordColumnHistory(ctx context.Context, organizationID, fingerprint string, columns []string, seenAt string) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO import_column_history (organization_id, column_fingerprint, columns_json, first_seen_at, last_seen_at, batch_count, seen_seq)
VALUES (?, ?, ?, ?, ?, 1, (SELECT COALESCE(MAX(seen_seq), 0) + 1 FROM import_column_history WHERE organization_id = ?))
ON CONFLICT(organization_id, column_fingerprint) DO UPDATE SET
  columns_json=excluded.columns_json,
  last_seen_at=excluded.last_seen_at,
  batch_count=batch_count + 1,
  seen_seq=excluded.seen_seq
`, organizationID, fingerprint, marshalJSON(columns), seenAt, seenAt, organizationID)
	return err
}

func (d *DB) AppendAudit(ctx context.Context, entry internal.AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	var batchID *int64
	if entry.BatchID != 0 {
		batchID = &entry.BatchID
	}
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO import_audit_log (organization_id, batch_id, user_id, action, trace_id, details_json) VALUES (?, ?, ?, ?, ?, ?)
`, entry.OrganizationID, batchID, entry.UserID, entry.Action, entry.TraceID, marshalJSON(details))
	return err
}

func (d *DB) ListAudit(ctx context.Context, organizationID string, batchID int64) ([]internal.AuditEntry, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT organization_id, COALESCE(batch_id, 0), user_id, action, trace_id, details_json
FROM import_audit_log WHERE organization_id = ? AND batch_id = ? ORDER BY id ASC
`, organizationID, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.AuditEntry
	for rows.Next() {
		var e internal.AuditEntry
		var detailsJSON string
		if err := rows.Scan(&e.OrganizationID, &e.BatchID, &e.UserID, &e.Action, &e.TraceID, &detailsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			return nil, fmt.Errorf("audit %s details: %w", e.TraceID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
