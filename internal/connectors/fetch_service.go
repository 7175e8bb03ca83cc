package connectors

import (
	"context"

	"go.uber.org/zap"

	"skyplanner/internal/storage"
)

type FetchService struct {
	connector MailConnector
	store     *MailStoreService
	logger    *zap.Logger
}

type FetchResult struct {
	Fetched int
	Stored  int
}

func NewFetchService(db *storage.DB, rawMailDir string, connector MailConnector, logger *zap.Logger) *FetchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FetchService{
		connector: connector,
		store:     NewMailStoreService(db, rawMailDir),
		logger:    logger,
	}
}

// FetchAndStore saves new messages for import. Stored counts only messages not seen before.
func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchInbox(ctx, label, max)
	if err != nil {
		return FetchResult{}, err
	}

	stored := 0
	for _, msg := range messages {
		email, isNew, err := s.store.Store(msg)
		if err != nil {
			return FetchResult{Fetched: len(messages), Stored: stored}, err
		}
		if isNew {
			stored++
			s.logger.Debug("mail stored", zap.Int("email_id", email.ID), zap.String("provider", msg.Provider), zap.String("subject", msg.Subject))
		}
	}

	return FetchResult{Fetched: len(messages), Stored: stored}, nil
}
