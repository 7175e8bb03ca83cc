package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplanner/internal"
	"skyplanner/internal/util"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "skyplanner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createTestBatch(t *testing.T, db *DB, org string) *internal.ImportBatch {
	t.Helper()
	b := &internal.ImportBatch{
		OrganizationID:    org,
		Source:            internal.SourceUpload,
		FileName:          "kunder.xlsx",
		FileHash:          "abc",
		FileSize:          1024,
		ColumnFingerprint: "fp",
		Headers:           []string{"Navn", "Adresse"},
		ColumnCount:       2,
		RowCount:          2,
		Status:            internal.BatchParsed,
		SuggestionsJSON:   `{"suggestions":[]}`,
		CreatedBy:         "user-1",
	}
	require.NoError(t, db.CreateBatch(context.Background(), b))
	return b
}

func TestBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	b := createTestBatch(t, db, "org-1")
	require.NotZero(t, b.ID)

	got, err := db.GetBatch(ctx, "org-1", b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"Navn", "Adresse"}, got.Headers)
	assert.Equal(t, internal.BatchParsed, got.Status)
	assert.Nil(t, got.CommittedAt)

	other, err := db.GetBatch(ctx, "org-2", b.ID)
	require.NoError(t, err)
	assert.Nil(t, other, "batches are scoped to their organization")

	committedAt := "2025-06-01T10:00:00Z"
	got.Status = internal.BatchCommitted
	got.ValidCount = 2
	got.RequiresRemapping = true
	got.CommittedAt = &committedAt
	got.CommittedBy = util.StringPtr("user-2")
	require.NoError(t, db.UpdateBatch(ctx, got))

	again, err := db.GetBatch(ctx, "org-1", b.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.BatchCommitted, again.Status)
	assert.Equal(t, 2, again.ValidCount)
	assert.True(t, again.RequiresRemapping)
	require.NotNil(t, again.CommittedBy)
	assert.Equal(t, "user-2", *again.CommittedBy)

	createTestBatch(t, db, "org-1")
	createTestBatch(t, db, "org-2")
	list, err := db.ListBatches(ctx, "org-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Greater(t, list[0].ID, list[1].ID, "newest first")
}

func TestStagingRowsAndValidationErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	b := createTestBatch(t, db, "org-1")

	rows := []internal.StagingRow{
		{BatchID: b.ID, OrganizationID: "org-1", RowNumber: 2, RawData: internal.Record{"Navn": "Kari AS", "Adresse": nil}},
		{BatchID: b.ID, OrganizationID: "org-1", RowNumber: 1, RawData: internal.Record{"Navn": "Ole AS", "Adresse": "Storgata 5"}},
	}
	require.NoError(t, db.InsertStagingRows(ctx, rows))
	assert.NotZero(t, rows[0].ID)
	assert.Equal(t, internal.RowPending, rows[0].ValidationStatus)

	listed, err := db.ListStagingRows(ctx, b.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, 1, listed[0].RowNumber)
	assert.Equal(t, "Ole AS", listed[0].RawData["Navn"])
	assert.Nil(t, listed[1].RawData["Adresse"])
	assert.Nil(t, listed[0].MappedData)

	page, err := db.ListStagingRows(ctx, b.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 2, page[0].RowNumber)

	row := listed[0]
	action := internal.ActionCreated
	kundeID := int64(9)
	row.MappedData = internal.Record{"navn": "Ole AS", "kontroll_intervall_mnd": int64(12)}
	row.ValidationStatus = internal.RowValid
	row.ActionTaken = &action
	row.TargetKundeID = &kundeID
	require.NoError(t, db.UpdateStagingRow(ctx, row))

	listed, err = db.ListStagingRows(ctx, b.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, internal.RowValid, listed[0].ValidationStatus)
	require.NotNil(t, listed[0].ActionTaken)
	assert.Equal(t, internal.ActionCreated, *listed[0].ActionTaken)
	assert.Equal(t, int64(9), *listed[0].TargetKundeID)
	assert.Equal(t, float64(12), listed[0].MappedData["kontroll_intervall_mnd"], "numbers come back from JSON as float64")

	suggestion := "ole@gmail.com"
	require.NoError(t, db.InsertValidationErrors(ctx, []internal.ValidationError{
		{BatchID: b.ID, StagingRowID: listed[1].ID, RowNumber: 2, Severity: internal.SeverityError, Code: "REQUIRED", Field: "adresse", Message: "Adresse mangler"},
		{BatchID: b.ID, StagingRowID: listed[0].ID, RowNumber: 1, Severity: internal.SeverityWarning, Code: "EMAIL_TYPO", Field: "epost", Message: "Mulig skrivefeil", Suggestion: &suggestion},
	}))
	errs, err := db.ListValidationErrors(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "EMAIL_TYPO", errs[0].Code)
	assert.Equal(t, internal.SeverityWarning, errs[0].Severity)
	assert.Equal(t, suggestion, *errs[0].Suggestion)
	assert.Nil(t, errs[1].Suggestion)

	n, err := db.DeleteStagingRows(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	count, err := db.CountStagingRows(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	errs, err = db.ListValidationErrors(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestCustomers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	c := &internal.Customer{
		OrganizationID:       "org-1",
		Navn:                 "Ole AS",
		Adresse:              "Storgata 5",
		Postnummer:           util.StringPtr("0184"),
		KontrollIntervallMnd: func() *int64 { n := int64(12); return &n }(),
		Aktiv:                util.BoolPtr(true),
	}
	require.NoError(t, db.CreateCustomer(ctx, c))
	require.NotZero(t, c.ID)
	assert.Error(t, db.CreateCustomer(ctx, &internal.Customer{OrganizationID: "org-1"}))

	found, err := db.FindCustomerByNameAndAddress(ctx, "org-1", "  OLE   as", "storgata 5")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, c.ID, found.ID)
	assert.Equal(t, int64(12), *found.KontrollIntervallMnd)
	assert.True(t, *found.Aktiv)

	missing, err := db.FindCustomerByNameAndAddress(ctx, "org-2", "Ole AS", "Storgata 5")
	require.NoError(t, err)
	assert.Nil(t, missing)

	found.Telefon = util.StringPtr("22 33 44 55")
	require.NoError(t, db.UpdateCustomer(ctx, found))
	got, err := db.GetCustomer(ctx, "org-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "22 33 44 55", *got.Telefon)

	all, err := db.ListCustomers(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.DeleteCustomer(ctx, "org-1", c.ID))
	assert.Error(t, db.DeleteCustomer(ctx, "org-1", c.ID))
	assert.Error(t, db.UpdateCustomer(ctx, found))
	n, err := db.CountCustomers(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTemplatesAndColumnHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	none, err := db.GetTemplateByFingerprint(ctx, "org-1", "fp")
	require.NoError(t, err)
	assert.Nil(t, none)

	tmpl := &internal.MappingTemplate{
		OrganizationID:    "org-1",
		ColumnFingerprint: "fp",
		Name:              "kunder.xlsx",
		SourceColumns:     []string{"Kunde", "Sted"},
		MappingJSON:       `{"mappings":[]}`,
	}
	require.NoError(t, db.UpsertTemplate(ctx, tmpl))
	require.NotZero(t, tmpl.ID)
	require.NoError(t, db.IncrementTemplateUse(ctx, tmpl.ID))

	tmpl.Name = "kunder-v2.xlsx"
	require.NoError(t, db.UpsertTemplate(ctx, tmpl))
	assert.Equal(t, "kunder-v2.xlsx", tmpl.Name)
	assert.Equal(t, 1, tmpl.UseCount, "use count survives an update")
	assert.NotNil(t, tmpl.LastUsedAt)
	assert.Equal(t, []string{"Kunde", "Sted"}, tmpl.SourceColumns)

	require.NoError(t, db.RecordColumnHistory(ctx, "org-1", "fp-a", []string{"A"}, "2025-01-01T00:00:00Z"))
	require.NoError(t, db.RecordColumnHistory(ctx, "org-1", "fp-b", []string{"B"}, "2025-02-01T00:00:00Z"))
	require.NoError(t, db.RecordColumnHistory(ctx, "org-1", "fp-a", []string{"A"}, "2025-03-01T00:00:00Z"))

	history, err := db.ListColumnHistory(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "fp-a", history[0].ColumnFingerprint)
	assert.Equal(t, 2, history[0].BatchCount)
	assert.Equal(t, "2025-01-01T00:00:00Z", history[0].FirstSeenAt)
	assert.Equal(t, []string{"B"}, history[1].Columns)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	b := createTestBatch(t, db, "org-1")

	require.NoError(t, db.AppendAudit(ctx, internal.AuditEntry{OrganizationID: "org-1", BatchID: b.ID, UserID: "u", Action: "upload", TraceID: "t1", Details: map[string]any{"rows": 2}}))
	require.NoError(t, db.AppendAudit(ctx, internal.AuditEntry{OrganizationID: "org-1", BatchID: b.ID, UserID: "u", Action: "map", TraceID: "t2"}))

	entries, err := db.ListAudit(ctx, "org-1", b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "upload", entries[0].Action)
	assert.Equal(t, float64(2), entries[0].Details["rows"])
	assert.Equal(t, "t2", entries[1].TraceID)
	assert.Empty(t, entries[1].Details)
}

func TestEmails(t *testing.T) {
	db := openTestDB(t)

	e, err := db.UpsertEmail("imap", "m1", "Kunder", "kunde@example.no", "2025-06-01T08:00:00Z", "h1", "/tmp/m1.eml", "fetched")
	require.NoError(t, err)
	assert.Equal(t, "fetched", e.Status)

	again, err := db.UpsertEmail("imap", "m1", "Kunder (oppdatert)", "kunde@example.no", "2025-06-01T08:00:00Z", "h1", "/tmp/m1.eml", "fetched")
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, "Kunder (oppdatert)", again.Subject)

	require.NoError(t, db.UpdateEmailStatus(e.ID, "imported", []int64{4, 5}))
	got, err := db.MustEmailByProviderMessageID("imap", "m1")
	require.NoError(t, err)
	assert.Equal(t, "imported", got.Status)
	assert.Equal(t, []int64{4, 5}, got.BatchIDs)

	fetched, err := db.ListEmailsByStatus("fetched", 10)
	require.NoError(t, err)
	assert.Empty(t, fetched)

	_, err = db.MustEmailByProviderMessageID("gmail", "m1")
	assert.Error(t, err)
}

func TestMetadata(t *testing.T) {
	db := openTestDB(t)
	v, err := db.GetMetadata("imap:last_uid")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, db.SetMetadata("imap:last_uid", "41"))
	require.NoError(t, db.SetMetadata("imap:last_uid", "42"))
	v, err = db.GetMetadata("imap:last_uid")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "42", *v)
}

func TestColumnHistoryOrderWithinOneSecond(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	at := "2025-06-01T08:00:00Z"

	for _, fp := range []string{"fp-a", "fp-b", "fp-a"} {
		require.NoError(t, db.RecordColumnHistory(ctx, "org-1", fp, []string{fp}, at))
	}

	history, err := db.ListColumnHistory(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "fp-a", history[0].ColumnFingerprint, "the layout recorded last comes first")
	assert.Equal(t, "fp-b", history[1].ColumnFingerprint)
}

func TestCorruptJSONIsReported(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	b := createTestBatch(t, db, "org-1")

	_, err := db.conn.Exec(`INSERT INTO import_audit_log (organization_id, batch_id, user_id, action, trace_id, details_json) VALUES ('org-1', ?, 'u', 'upload', 't1', '{broken')`, b.ID)
	require.NoError(t, err)
	_, err = db.ListAudit(ctx, "org-1", b.ID)
	assert.ErrorContains(t, err, "audit t1 details")

	_, err = db.conn.Exec(`INSERT INTO import_column_history (organization_id, column_fingerprint, columns_json, first_seen_at, last_seen_at) VALUES ('org-1', 'fp', 'nope', 'x', 'x')`)
	require.NoError(t, err)
	_, err = db.ListColumnHistory(ctx, "org-1")
	assert.Error(t, err)

	_, err = db.conn.Exec(`INSERT INTO import_mapping_templates (organization_id, column_fingerprint, name, source_columns, mapping_config) VALUES ('org-1', 'fp', 'x', '[1', '{}')`)
	require.NoError(t, err)
	_, err = db.GetTemplateByFingerprint(ctx, "org-1", "fp")
	assert.ErrorContains(t, err, "source columns")
}

func TestOpenAddsSeenSeqToOlderHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "skyplanner.db")
	db, err := Open(path)
	require.NoError(t, err)

	_, err = db.conn.Exec(`DROP TABLE import_column_history`)
	require.NoError(t, err)
	_, err = db.conn.Exec(`
CREATE TABLE import_column_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  organization_id TEXT NOT NULL,
  column_fingerprint TEXT NOT NULL,
  columns_json TEXT NOT NULL,
  first_seen_at TEXT NOT NULL,
  last_seen_at TEXT NOT NULL,
  batch_count INTEGER NOT NULL DEFAULT 1,
  UNIQUE(organization_id, column_fingerprint)
)`)
	require.NoError(t, err)
	_, err = db.conn.Exec(`INSERT INTO import_column_history (organization_id, column_fingerprint, columns_json, first_seen_at, last_seen_at)
VALUES ('org-1', 'fp-new', '[]', '2025-02-01T00:00:00Z', '2025-02-01T00:00:00Z'),
       ('org-1', 'fp-old', '[]', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	history, err := db.ListColumnHistory(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "fp-new", history[0].ColumnFingerprint)

	require.NoError(t, db.RecordColumnHistory(ctx, "org-1", "fp-old", nil, "2025-02-01T00:00:00Z"))
	history, err = db.ListColumnHistory(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "fp-old", history[0].ColumnFingerprint)
}
