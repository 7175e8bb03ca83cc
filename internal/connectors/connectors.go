package connectors

import (
	"bytes"
	"context"
	"net/mail"
	"time"

	"github.com/jhillyerd/enmime"

	"skyplanner/internal"
)

// MailConnector pulls unread messages from a mailbox label or folder.
type MailConnector interface {
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error)
}

type MessageHeaders struct {
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
}

// HeadersFromRaw reads the envelope headers of an RFC 5322 message. A missing or
// unreadable Date falls back to now.
func HeadersFromRaw(raw []byte) (MessageHeaders, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return MessageHeaders{}, err
	}
	h := MessageHeaders{
		MessageID:  env.GetHeader("Message-ID"),
		Subject:    env.GetHeader("Subject"),
		From:       env.GetHeader("From"),
		ReceivedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if date := env.GetHeader("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			h.ReceivedAt = t.UTC().Format(time.RFC3339)
		}
	}
	return h, nil
}
