package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skyplanner/internal"
	"skyplanner/internal/config"
)

type Options struct {
	PreviewRows              int
	ChunkSize                int
	MaxFileBytes             int64
	AITimeout                time.Duration
	DuplicateHighThreshold   float64
	DuplicateMediumThreshold float64
	FormatRenameThreshold    float64
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PreviewRows:              cfg.ImportPreviewRows,
		ChunkSize:                cfg.ImportChunkSize,
		MaxFileBytes:             cfg.ImportMaxFileBytes,
		AITimeout:                time.Duration(cfg.AIMappingTimeoutMs) * time.Millisecond,
		DuplicateHighThreshold:   cfg.DuplicateHighThreshold,
		DuplicateMediumThreshold: cfg.DuplicateMediumThreshold,
		FormatRenameThreshold:    cfg.FormatRenameThreshold,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 100
	}
	if o.PreviewRows < 0 {
		o.PreviewRows = 0
	}
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = 20 << 20
	}
	if o.AITimeout <= 0 {
		o.AITimeout = 10 * time.Second
	}
	if o.DuplicateHighThreshold <= 0 {
		o.DuplicateHighThreshold = 0.7
	}
	if o.DuplicateMediumThreshold <= 0 {
		o.DuplicateMediumThreshold = 0.5
	}
	if o.FormatRenameThreshold <= 0 {
		o.FormatRenameThreshold = 0.6
	}
	return o
}

// Service drives an import batch through parse, map, validate and commit.
type Service struct {
	store      Store
	suggester  *Suggester
	validator  *Validator
	duplicates *DuplicateDetector
	postal     *PostalRegistry
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires the pipeline stages. ai may be nil; postal nil means the embedded register.
func NewService(store Store, ai AIMapper, postal *PostalRegistry, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if postal == nil {
		postal = DefaultPostalRegistry()
	}
	opts = opts.withDefaults()
	return &Service{
		store:      store,
		suggester:  NewSuggester(store, ai, opts.AITimeout, logger),
		validator:  NewValidator(postal),
		duplicates: NewDuplicateDetector(opts.DuplicateHighThreshold, opts.DuplicateMediumThreshold),
		postal:     postal,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

type UploadRequest struct {
	OrganizationID string
	UserID         string
	FileName       string
	Content        []byte
	Source         internal.BatchSource
}

type UploadResult struct {
	Batch        *internal.ImportBatch
	Preview      []SheetRow
	Cleaning     CleaningReport
	Suggestions  SuggestionSet
	FormatChange FormatChange
	ColumnInfo   []ColumnInfo
}

// UploadAndParse reads the file and stages its rows as a new batch in status parsed.
// Suggestions are computed before cleaning so the cleaner knows which columns hold
// postal codes and phone numbers.
func (s *Service) UploadAndParse(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return nil, fmt.Errorf("organization id is required")
	}
	if int64(len(req.Content)) > s.opts.MaxFileBytes {
		return nil, fmt.Errorf("%w: file is %d bytes, limit is %d", ErrParse, len(req.Content), s.opts.MaxFileBytes)
	}
	source := req.Source
	if source == "" {
		source = internal.SourceUpload
	}

	parsed, err := Parse(req.FileName, req.Content)
	if err != nil {
		return nil, err
	}

	suggestions := s.suggester.Suggest(ctx, req.OrganizationID, parsed)
	rows, cleaning := CleanRows(parsed.Headers, parsed.Rows, CleaningOptions{
		PostalColumns: suggestions.ColumnsFor(TypePostnummer),
		PhoneColumns:  suggestions.ColumnsFor(TypePhone),
	})
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no data rows left after cleaning", ErrParse)
	}

	history, err := s.store.ListColumnHistory(ctx, req.OrganizationID)
	if err != nil {
		s.logger.Warn("column history unavailable", zap.String("organization_id", req.OrganizationID), zap.Error(err))
		history = nil
	}
	change := DetectFormatChange(parsed.ColumnFingerprint, parsed.Headers, history, suggestions.TemplateMatched(), s.opts.FormatRenameThreshold)

	suggestionsJSON, err := json.Marshal(suggestions)
	if err != nil {
		return nil, err
	}

	batch := &internal.ImportBatch{
		OrganizationID:    req.OrganizationID,
		Source:            source,
		FileName:          req.FileName,
		FileHash:          parsed.FileHash,
		FileSize:          parsed.FileSize,
		ColumnFingerprint: parsed.ColumnFingerprint,
		Headers:           parsed.Headers,
		ColumnCount:       parsed.ColumnCount,
		RowCount:          len(rows),
		Status:            internal.BatchParsed,
		FormatChanged:     change.Changed,
		RequiresRemapping: change.RequiresRemapping,
		SuggestionsJSON:   string(suggestionsJSON),
		CreatedBy:         req.UserID,
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	if err := s.stageRows(ctx, batch, rows); err != nil {
		batch.Status = internal.BatchCancelled
		if _, derr := s.store.DeleteStagingRows(ctx, batch.ID); derr != nil {
			s.logger.Warn("partial staging rows not removed", zap.Int64("batch_id", batch.ID), zap.Error(derr))
		}
		if uerr := s.store.UpdateBatch(ctx, batch); uerr != nil {
			s.logger.Warn("failed batch not marked cancelled", zap.Int64("batch_id", batch.ID), zap.Error(uerr))
		}
		return nil, fmt.Errorf("stage rows: %w", err)
	}

	seenAt := s.now().UTC().Format(time.RFC3339)
	if err := s.store.RecordColumnHistory(ctx, req.OrganizationID, parsed.ColumnFingerprint, parsed.Headers, seenAt); err != nil {
		s.logger.Warn("column history not recorded", zap.Int64("batch_id", batch.ID), zap.Error(err))
	}

	s.audit(ctx, batch, req.UserID, "upload", map[string]any{
		"fileName":      req.FileName,
		"format":        parsed.Format,
		"rows":          len(rows),
		"removedRows":   len(cleaning.Removals),
		"suggested":     len(suggestions.Suggestions),
		"templateMatch": suggestions.TemplateMatched(),
		"formatChange":  change.Reason,
	})
	s.logger.Info("batch parsed",
		zap.Int64("batch_id", batch.ID),
		zap.String("organization_id", batch.OrganizationID),
		zap.String("file", req.FileName),
		zap.Int("rows", len(rows)),
		zap.Int("suggestions", len(suggestions.Suggestions)),
	)

	preview := rows
	if len(preview) > s.opts.PreviewRows {
		preview = preview[:s.opts.PreviewRows]
	}
	return &UploadResult{
		Batch:        batch,
		Preview:      preview,
		Cleaning:     cleaning,
		Suggestions:  suggestions,
		FormatChange: change,
		ColumnInfo:   parsed.ColumnInfo,
	}, nil
}

func (s *Service) stageRows(ctx context.Context, batch *internal.ImportBatch, rows []SheetRow) error {
	for start := 0; start < len(rows); start += s.opts.ChunkSize {
		end := start + s.opts.ChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := make([]internal.StagingRow, 0, end-start)
		for _, r := range rows[start:end] {
			chunk = append(chunk, internal.StagingRow{
				BatchID:          batch.ID,
				OrganizationID:   batch.OrganizationID,
				RowNumber:        r.Number,
				RawData:          r.Cells,
				ValidationStatus: internal.RowPending,
			})
		}
		if err := s.store.InsertStagingRows(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

type MapRequest struct {
	OrganizationID string
	BatchID        int64
	UserID         string
	// Mapping nil applies the suggestions stored at upload.
	Mapping      *MappingConfig
	SaveTemplate bool
}

type MapResult struct {
	Batch      *internal.ImportBatch
	Mapping    MappingConfig
	MappedRows int
	Template   *internal.MappingTemplate
}

// ApplyMapping writes mapped_data for every staging row. It may be repeated; prior
// validation results are discarded.
func (s *Service) ApplyMapping(ctx context.Context, req MapRequest) (*MapResult, error) {
	batch, err := s.loadBatch(ctx, req.OrganizationID, req.BatchID)
	if err != nil {
		return nil, err
	}
	if err := requireTransition(batch, internal.BatchMapping, "map"); err != nil {
		return nil, err
	}

	var cfg MappingConfig
	if req.Mapping != nil {
		cfg = *req.Mapping
	} else {
		var set SuggestionSet
		if err := json.Unmarshal([]byte(batch.SuggestionsJSON), &set); err != nil {
			return nil, fmt.Errorf("%w: stored suggestions unreadable: %v", ErrInvalidMapping, err)
		}
		cfg = set.MappingConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	headers := toSet(batch.Headers)
	for _, col := range cfg.SourceColumns() {
		if !headers[col] {
			return nil, fmt.Errorf("%w: column %q is not in the file", ErrInvalidMapping, col)
		}
	}
	mappingJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	previous := batch.Status
	batch.Status = internal.BatchMapping
	if err := s.store.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}

	mapped, err := s.mapRows(ctx, batch.ID, cfg)
	if err == nil {
		err = s.store.DeleteValidationErrors(ctx, batch.ID)
	}
	if err != nil {
		s.restoreStatus(ctx, batch, previous)
		return nil, fmt.Errorf("apply mapping: %w", err)
	}

	batch.Status = internal.BatchMapped
	batch.MappingJSON = string(mappingJSON)
	batch.QualityJSON = ""
	batch.ValidCount, batch.WarningCount, batch.ErrorCount = 0, 0, 0
	if err := s.store.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}

	result := &MapResult{Batch: batch, Mapping: cfg, MappedRows: mapped}
	if req.SaveTemplate {
		now := s.now().UTC().Format(time.RFC3339)
		tmpl := &internal.MappingTemplate{
			OrganizationID:    batch.OrganizationID,
			ColumnFingerprint: batch.ColumnFingerprint,
			Name:              batch.FileName,
			SourceColumns:     batch.Headers,
			MappingJSON:       string(mappingJSON),
			ConfirmedBy:       optionalString(req.UserID),
			ConfirmedAt:       &now,
		}
		if err := s.store.UpsertTemplate(ctx, tmpl); err != nil {
			s.logger.Warn("mapping template not saved", zap.Int64("batch_id", batch.ID), zap.Error(err))
		} else {
			result.Template = tmpl
		}
	}

	s.audit(ctx, batch, req.UserID, "map", map[string]any{
		"mappedRows":    mapped,
		"fields":        len(cfg.Mappings),
		"templateSaved": result.Template != nil,
	})
	return result, nil
}

func (s *Service) mapRows(ctx context.Context, batchID int64, cfg MappingConfig) (int, error) {
	count := 0
	err := s.eachRowPage(ctx, batchID, func(rows []internal.StagingRow) error {
		for _, r := range rows {
			r.MappedData = MapRecord(r.RawData, cfg, s.postal)
			r.ValidationStatus = internal.RowPending
			r.ActionTaken = nil
			r.TargetKundeID = nil
			r.ErrorMessage = nil
			if err := s.store.UpdateStagingRow(ctx, r); err != nil {
				return fmt.Errorf("row %d: %w", r.RowNumber, err)
			}
			count++
		}
		return nil
	})
	return count, err
}

// eachRowPage walks the staging rows in chunks. fn must not insert or delete rows.
func (s *Service) eachRowPage(ctx context.Context, batchID int64, fn func([]internal.StagingRow) error) error {
	for offset := 0; ; offset += s.opts.ChunkSize {
		rows, err := s.store.ListStagingRows(ctx, batchID, offset, s.opts.ChunkSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		if len(rows) < s.opts.ChunkSize {
			return nil
		}
	}
}

func (s *Service) allRows(ctx context.Context, batchID int64) ([]internal.StagingRow, error) {
	var out []internal.StagingRow
	err := s.eachRowPage(ctx, batchID, func(rows []internal.StagingRow) error {
		out = append(out, rows...)
		return nil
	})
	return out, err
}

func (s *Service) GetBatch(ctx context.Context, organizationID string, batchID int64) (*internal.ImportBatch, error) {
	return s.loadBatch(ctx, organizationID, batchID)
}

func (s *Service) ListBatches(ctx context.Context, organizationID string, limit int) ([]internal.ImportBatch, error) {
	return s.store.ListBatches(ctx, organizationID, limit)
}

// ListStagingRows pages through a batch's rows in row order.
func (s *Service) ListStagingRows(ctx context.Context, organizationID string, batchID int64, offset, limit int) ([]internal.StagingRow, error) {
	if _, err := s.loadBatch(ctx, organizationID, batchID); err != nil {
		return nil, err
	}
	return s.store.ListStagingRows(ctx, batchID, offset, limit)
}

func (s *Service) ValidationErrors(ctx context.Context, organizationID string, batchID int64) ([]internal.ValidationError, error) {
	if _, err := s.loadBatch(ctx, organizationID, batchID); err != nil {
		return nil, err
	}
	return s.store.ListValidationErrors(ctx, batchID)
}

func (s *Service) loadBatch(ctx context.Context, organizationID string, batchID int64) (*internal.ImportBatch, error) {
	batch, err := s.store.GetBatch(ctx, organizationID, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("%w: id %d", ErrBatchNotFound, batchID)
	}
	return batch, nil
}

func (s *Service) restoreStatus(ctx context.Context, batch *internal.ImportBatch, status internal.BatchStatus) {
	batch.Status = status
	if err := s.store.UpdateBatch(context.WithoutCancel(ctx), batch); err != nil {
		s.logger.Error("batch status not restored",
			zap.Int64("batch_id", batch.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// audit never fails the calling operation.
func (s *Service) audit(ctx context.Context, batch *internal.ImportBatch, userID, action string, details map[string]any) {
	entry := internal.AuditEntry{
		OrganizationID: batch.OrganizationID,
		BatchID:        batch.ID,
		UserID:         userID,
		Action:         action,
		TraceID:        uuid.NewString(),
		Details:        details,
	}
	if err := s.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("audit entry not written", zap.Int64("batch_id", batch.ID), zap.String("action", action), zap.Error(err))
	}
}
