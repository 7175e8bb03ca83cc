package pipeline

import (
	"context"
	"errors"

	"skyplanner/internal"
)

var (
	ErrBatchNotFound = errors.New("import batch not found")
	ErrInvalidState  = errors.New("invalid batch state")
)

// Store is the persistence the import pipeline needs. storage.DB implements it.
type Store interface {
	CreateBatch(ctx context.Context, b *internal.ImportBatch) error
	GetBatch(ctx context.Context, organizationID string, id int64) (*internal.ImportBatch, error)
	ListBatches(ctx context.Context, organizationID string, limit int) ([]internal.ImportBatch, error)
	UpdateBatch(ctx context.Context, b *internal.ImportBatch) error

	InsertStagingRows(ctx context.Context, rows []internal.StagingRow) error
	ListStagingRows(ctx context.Context, batchID int64, offset, limit int) ([]internal.StagingRow, error)
	CountStagingRows(ctx context.Context, batchID int64) (int, error)
	UpdateStagingRow(ctx context.Context, r internal.StagingRow) error
	DeleteStagingRows(ctx context.Context, batchID int64) (int, error)

	InsertValidationErrors(ctx context.Context, errs []internal.ValidationError) error
	ListValidationErrors(ctx context.Context, batchID int64) ([]internal.ValidationError, error)
	DeleteValidationErrors(ctx context.Context, batchID int64) error

	GetTemplateByFingerprint(ctx context.Context, organizationID, fingerprint string) (*internal.MappingTemplate, error)
	UpsertTemplate(ctx context.Context, t *internal.MappingTemplate) error
	IncrementTemplateUse(ctx context.Context, id int64) error

	ListColumnHistory(ctx context.Context, organizationID string) ([]internal.ColumnHistory, error)
	RecordColumnHistory(ctx context.Context, organizationID, fingerprint string, columns []string, seenAt string) error

	AppendAudit(ctx context.Context, entry internal.AuditEntry) error

	FindCustomerByNameAndAddress(ctx context.Context, organizationID, navn, adresse string) (*internal.Customer, error)
	ListCustomers(ctx context.Context, organizationID string) ([]internal.Customer, error)
	CreateCustomer(ctx context.Context, c *internal.Customer) error
	UpdateCustomer(ctx context.Context, c *internal.Customer) error
	DeleteCustomer(ctx context.Context, organizationID string, id int64) error
}
