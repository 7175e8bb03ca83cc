package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; one connection keeps transactions from racing each other.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS import_batches (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  organization_id TEXT NOT NULL,
  source TEXT NOT NULL DEFAULT 'upload',
  file_name TEXT NOT NULL,
  file_hash TEXT NOT NULL,
  file_size INTEGER NOT NULL,
  column_fingerprint TEXT NOT NULL,
  headers_json TEXT NOT NULL,
  column_count INTEGER NOT NULL,
  row_count INTEGER NOT NULL,
  status TEXT NOT NULL,
  valid_count INTEGER NOT NULL DEFAULT 0,
  warning_count INTEGER NOT NULL DEFAULT 0,
  error_count INTEGER NOT NULL DEFAULT 0,
  format_changed INTEGER NOT NULL DEFAULT 0,
  requires_remapping INTEGER NOT NULL DEFAULT 0,
  suggestions_json TEXT NOT NULL DEFAULT '',
  mapping_json TEXT NOT NULL DEFAULT '',
  quality_json TEXT NOT NULL DEFAULT '',
  created_by TEXT NOT NULL,
  committed_at TEXT,
  committed_by TEXT,
  created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_batches_org ON import_batches(organization_id, id);

CREATE TABLE IF NOT EXISTS import_staging_rows (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id INTEGER NOT NULL,
  organization_id TEXT NOT NULL,
  row_number INTEGER NOT NULL,
  raw_data TEXT NOT NULL,
  mapped_data TEXT,
  validation_status TEXT NOT NULL DEFAULT 'pending',
  action_taken TEXT,
  target_kunde_id INTEGER,
  error_message TEXT,
  created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(batch_id, row_number),
  FOREIGN KEY(batch_id) REFERENCES import_batches(id)
);

CREATE TABLE IF NOT EXISTS import_validation_errors (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id INTEGER NOT NULL,
  staging_row_id INTEGER NOT NULL,
  row_number INTEGER NOT NULL,
  severity TEXT NOT NULL,
  error_code TEXT NOT NULL,
  field_name TEXT NOT NULL,
  message TEXT NOT NULL,
  suggestion TEXT,
  expected_format TEXT,
  actual_value TEXT,
  created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(batch_id) REFERENCES import_batches(id)
);
CREATE INDEX IF NOT EXISTS idx_validation_errors_batch ON import_validation_errors(batch_id);

CREATE TABLE IF NOT EXISTS import_mapping_templates (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  organization_id TEXT NOT NULL,
  column_fingerprint TEXT NOT NULL,
  name TEXT NOT NULL,
  source_columns TEXT NOT NULL,
  mapping_config TEXT NOT NULL,
  confirmed_by TEXT,
  confirmed_at TEXT,
  use_count INTEGER NOT NULL DEFAULT 0,
  last_used_at TEXT,
  created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(organization_id, column_fingerprint)
);

CREATE TABLE IF NOT EXISTS import_column_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  organization_id TEXT NOT NULL,
  column_fingerprint TEXT NOT NULL,
  columns_json TEXT NOT NULL,
  first_seen_at TEXT NOT NULL,
  last_seen_at TEXT NOT NULL,
  batch_count INTEGER NOT NULL DEFAULT 1,
  seen_seq INTEGER NOT NULL DEFAULT 0,
  UNIQUE(organization_id, column_fingerprint)
);

CREATE TABLE IF NOT EXISTS import_audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  organization_id TEXT NOT NULL,
  batch_id INTEGER,
  user_id TEXT NOT NULL,
  action TEXT NOT NULL,
  trace_id TEXT NOT NULL,
  details_json TEXT NOT NULL,
  created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS kunder (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  organization_id TEXT NOT NULL,
  navn TEXT NOT NULL,
  adresse TEXT NOT NULL,
  navn_key TEXT NOT NULL,
  adresse_key TEXT NOT NULL,
  postnummer TEXT,
  poststed TEXT,
  telefon TEXT,
  epost TEXT,
  kontaktperson TEXT,
  org_nummer TEXT,
  kategori TEXT,
  siste_kontroll TEXT,
  neste_kontroll TEXT,
  siste_brannkontroll TEXT,
  neste_brannkontroll TEXT,
  kontroll_intervall_mnd INTEGER,
  notater TEXT,
  aktiv INTEGER,
  import_batch_id INTEGER,
  created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_kunder_lookup ON kunder(organization_id, navn_key, adresse_key);

CREATE TABLE IF NOT EXISTS inbound_emails (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  subject TEXT,
  sender TEXT,
  receivedAt TEXT,
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawRef TEXT NOT NULL,
  batchIdsJson TEXT NOT NULL DEFAULT '[]',
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	if _, err := d.conn.Exec(schema); err != nil {
		return err
	}
	return d.addSeenSeq()
}

// addSeenSeq upgrades column history tables created before seen_seq existed, numbering
// existing rows by last_seen_at.
func (d *DB) addSeenSeq() error {
	var n int
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('import_column_history') WHERE name = 'seen_seq'`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := d.conn.Exec(`ALTER TABLE import_column_history ADD COLUMN seen_seq INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("add seen_seq: %w", err)
	}
	_, err := d.conn.Exec(`
UPDATE import_column_history SET seen_seq = (
  SELECT COUNT(*) FROM import_column_history h
  WHERE h.organization_id = import_column_history.organization_id
    AND (h.last_seen_at < import_column_history.last_seen_at
      OR (h.last_seen_at = import_column_history.last_seen_at AND h.id <= import_column_history.id))
)`)
	return err
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func marshalJSON(v any) string {
	blob, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(blob)
}
