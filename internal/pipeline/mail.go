package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"skyplanner/internal"
)

const (
	EmailStatusFetched  = "fetched"
	EmailStatusImported = "imported"
	EmailStatusSkipped  = "skipped"
	EmailStatusFailed   = "failed"
)

var importableExtensions = map[string]bool{
	".xlsx": true, ".xlsm": true, ".csv": true, ".html": true, ".htm": true, ".pdf": true,
}

// MailStore is the inbound mail bookkeeping the importer needs. storage.DB implements it.
type MailStore interface {
	ListEmailsByStatus(status string, limit int) ([]internal.InboundEmail, error)
	UpdateEmailStatus(emailID int, status string, batchIDs []int64) error
}

type MailAttachment struct {
	FileName string
	Content  []byte
}

// MailImporter turns spreadsheet attachments of stored messages into import batches.
type MailImporter struct {
	mail           MailStore
	svc            *Service
	organizationID string
	userID         string
	logger         *zap.Logger
}

func NewMailImporter(mail MailStore, svc *Service, organizationID, userID string, logger *zap.Logger) *MailImporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MailImporter{mail: mail, svc: svc, organizationID: organizationID, userID: userID, logger: logger}
}

type MailImportResult struct {
	EmailID int
	Status  string
	Uploads []*UploadResult
	// Rejected lists attachments that could not be read as a customer sheet.
	Rejected []string
}

// ImportPending imports up to limit fetched messages, optionally from one provider only.
func (m *MailImporter) ImportPending(ctx context.Context, limit int, provider string) ([]MailImportResult, error) {
	if strings.TrimSpace(m.organizationID) == "" {
		return nil, errors.New("missing MAIL_IMPORT_ORGANIZATION_ID")
	}
	pending, err := m.mail.ListEmailsByStatus(EmailStatusFetched, limit)
	if err != nil {
		return nil, err
	}

	var out []MailImportResult
	for _, email := range pending {
		if provider != "" && email.Provider != provider {
			continue
		}
		res, err := m.ImportEmail(ctx, email)
		if err != nil {
			return out, fmt.Errorf("email %d: %w", email.ID, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (m *MailImporter) ImportEmail(ctx context.Context, email internal.InboundEmail) (MailImportResult, error) {
	result := MailImportResult{EmailID: email.ID}
	raw, err := os.ReadFile(email.RawRef)
	if err != nil {
		return result, err
	}
	attachments, err := ImportableAttachments(raw)
	if err != nil {
		m.logger.Warn("stored message is unreadable", zap.Int("email_id", email.ID), zap.Error(err))
		result.Status = EmailStatusFailed
		return result, m.mail.UpdateEmailStatus(email.ID, result.Status, nil)
	}

	var batchIDs []int64
	for _, att := range attachments {
		up, err := m.svc.UploadAndParse(ctx, UploadRequest{
			OrganizationID: m.organizationID,
			UserID:         m.userID,
			FileName:       att.FileName,
			Content:        att.Content,
			Source:         internal.SourceEmail,
		})
		if errors.Is(err, ErrParse) || errors.Is(err, ErrUnsupportedFormat) {
			m.logger.Info("attachment not imported",
				zap.Int("email_id", email.ID),
				zap.String("attachment", att.FileName),
				zap.Error(err),
			)
			result.Rejected = append(result.Rejected, att.FileName)
			continue
		}
		if err != nil {
			return result, err
		}
		result.Uploads = append(result.Uploads, up)
		batchIDs = append(batchIDs, up.Batch.ID)
	}

	result.Status = EmailStatusImported
	if len(batchIDs) == 0 {
		result.Status = EmailStatusSkipped
	}
	if err := m.mail.UpdateEmailStatus(email.ID, result.Status, batchIDs); err != nil {
		return result, err
	}
	m.logger.Info("email imported",
		zap.Int("email_id", email.ID),
		zap.String("subject", email.Subject),
		zap.String("status", result.Status),
		zap.Int("batches", len(batchIDs)),
	)
	return result, nil
}

// ImportableAttachments returns the attachments whose extension the parser accepts.
func ImportableAttachments(raw []byte) ([]MailAttachment, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	parts := append([]*enmime.Part{}, env.Attachments...)
	parts = append(parts, env.Inlines...)

	var out []MailAttachment
	for _, part := range parts {
		name := strings.TrimSpace(part.FileName)
		if name == "" || !importableExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		out = append(out, MailAttachment{FileName: name, Content: part.Content})
	}
	return out, nil
}

// AutoMappable reports whether a saved template fully covers this upload's layout.
func (r *UploadResult) AutoMappable() bool {
	if !r.Suggestions.TemplateMatched() || r.FormatChange.RequiresRemapping {
		return false
	}
	return !r.FormatChange.Changed || r.FormatChange.Reason == formatKnownLayout
}
