package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"skyplanner/internal/config"
	"skyplanner/internal/connectors"
	gmailconnector "skyplanner/internal/connectors/gmail"
	imapconnector "skyplanner/internal/connectors/imap"
	"skyplanner/internal/pipeline"
	"skyplanner/internal/storage"
)

type Service struct {
	db       *storage.DB
	cfg      config.Config
	importer *pipeline.MailImporter
	imports  *pipeline.Service
	logger   *zap.Logger
}

func NewService(db *storage.DB, cfg config.Config, imports *pipeline.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       db,
		cfg:      cfg,
		importer: pipeline.NewMailImporter(db, imports, cfg.MailImportOrganizationID, cfg.MailImportUserID, logger),
		imports:  imports,
		logger:   logger,
	}
}

type CycleResult struct {
	Fetched       int
	Stored        int
	Emails        int
	Batches       int
	AutoValidated int
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Require("MAIL_IMPORT_ORGANIZATION_ID", s.cfg.MailImportOrganizationID); err != nil {
		return err
	}
	for {
		if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("listener cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(s.cfg.MailListenerIntervalSec) * time.Second):
		}
	}
}

// RunCycle fetches new mail, imports its attachments and, when allowed, maps and validates
// batches whose layout a saved template already covers. Commit is always left to a person.
func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	provider := strings.ToLower(strings.TrimSpace(s.cfg.MailListenerProvider))
	mailConnector, err := s.makeConnector(ctx, provider)
	if err != nil {
		return CycleResult{}, err
	}

	fetchService := connectors.NewFetchService(s.db, s.cfg.RawMailDir, mailConnector, s.logger)
	fetchResult, err := fetchService.FetchAndStore(ctx, s.cfg.MailListenerLabel, s.cfg.MailListenerFetchMax)
	if err != nil {
		return CycleResult{}, err
	}

	result := CycleResult{Fetched: fetchResult.Fetched, Stored: fetchResult.Stored}
	imported, err := s.importer.ImportPending(ctx, s.cfg.MailListenerProcessBatch, provider)
	result.Emails = len(imported)
	for _, email := range imported {
		result.Batches += len(email.Uploads)
		if !s.cfg.MailListenerAutoValidate {
			continue
		}
		for _, up := range email.Uploads {
			if !up.AutoMappable() {
				continue
			}
			if verr := s.autoValidate(ctx, up); verr != nil {
				s.logger.Warn("auto validation skipped", zap.Int64("batch_id", up.Batch.ID), zap.Error(verr))
				continue
			}
			result.AutoValidated++
		}
	}
	if err != nil {
		return result, err
	}

	s.logger.Info("listener cycle done",
		zap.String("provider", provider),
		zap.Int("fetched", result.Fetched),
		zap.Int("stored", result.Stored),
		zap.Int("emails", result.Emails),
		zap.Int("batches", result.Batches),
		zap.Int("auto_validated", result.AutoValidated),
	)
	return result, nil
}

func (s *Service) autoValidate(ctx context.Context, up *pipeline.UploadResult) error {
	batch := up.Batch
	if _, err := s.imports.ApplyMapping(ctx, pipeline.MapRequest{
		OrganizationID: batch.OrganizationID,
		BatchID:        batch.ID,
		UserID:         s.cfg.MailImportUserID,
	}); err != nil {
		return fmt.Errorf("apply template: %w", err)
	}
	if _, err := s.imports.Validate(ctx, batch.OrganizationID, batch.ID, s.cfg.MailImportUserID); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

func (s *Service) makeConnector(ctx context.Context, provider string) (connectors.MailConnector, error) {
	switch provider {
	case "gmail":
		return gmailconnector.NewConnector(ctx, s.cfg)
	case "imap":
		return imapconnector.NewConnector(s.cfg)
	default:
		return nil, fmt.Errorf("unsupported listener provider: %s", provider)
	}
}
