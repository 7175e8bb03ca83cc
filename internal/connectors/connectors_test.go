package connectors

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"skyplanner/internal"
	"skyplanner/internal/storage"
)

const rawMessage = "Message-ID: <m1@example.no>\r\n" +
	"From: Kari <kari@example.no>\r\n" +
	"Subject: Kundeliste\r\n" +
	"Date: Mon, 02 Jun 2025 10:15:00 +0200\r\n" +
	"Content-Type: text/plain\r\n\r\nVedlagt.\r\n"

type fakeConnector struct {
	messages []internal.FetchedMailMessage
	err      error
}

func (f *fakeConnector) FetchInbox(context.Context, string, int) ([]internal.FetchedMailMessage, error) {
	return f.messages, f.err
}

func TestHeadersFromRaw(t *testing.T) {
	h, err := HeadersFromRaw([]byte(rawMessage))
	require.NoError(t, err)
	assert.Equal(t, "<m1@example.no>", h.MessageID)
	assert.Equal(t, "Kundeliste", h.Subject)
	assert.Contains(t, h.From, "kari@example.no")
	assert.Equal(t, "2025-06-02T08:15:00Z", h.ReceivedAt)
}

func TestFetchAndStoreSkipsKnownMessages(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "skyplanner.db"))
	require.NoError(t, err)
	defer db.Close()

	rawDir := filepath.Join(t.TempDir(), "raw")
	msg := internal.FetchedMailMessage{Provider: "imap", MessageID: "<m1@example.no>", Subject: "Kundeliste", Raw: []byte(rawMessage)}
	svc := NewFetchService(db, rawDir, &fakeConnector{messages: []internal.FetchedMailMessage{msg}}, zaptest.NewLogger(t))

	first, err := svc.FetchAndStore(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, FetchResult{Fetched: 1, Stored: 1}, first)

	second, err := svc.FetchAndStore(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, FetchResult{Fetched: 1, Stored: 0}, second)

	email, err := db.MustEmailByProviderMessageID("imap", "<m1@example.no>")
	require.NoError(t, err)
	assert.Equal(t, "fetched", email.Status)
	raw, err := os.ReadFile(email.RawRef)
	require.NoError(t, err)
	assert.Equal(t, rawMessage, string(raw))
}

func TestFetchAndStoreConnectorError(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "skyplanner.db"))
	require.NoError(t, err)
	defer db.Close()

	svc := NewFetchService(db, t.TempDir(), &fakeConnector{err: errors.New("login failed")}, nil)
	_, err = svc.FetchAndStore(context.Background(), "INBOX", 10)
	assert.EqualError(t, err, "login failed")
}
