package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"skyplanner/internal"
)

const emailColumns = `id, provider, messageId, subject, sender, receivedAt, hash, status, rawRef, batchIdsJson`

func (d *DB) UpsertEmail(provider, messageID, subject, sender, receivedAt, hash, rawRef, status string) (internal.InboundEmail, error) {
	_, err := d.conn.Exec(`
INSERT INTO inbound_emails (provider, messageId, subject, sender, receivedAt, hash, status, rawRef)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  subject=excluded.subject,
  sender=excluded.sender,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  rawRef=excluded.rawRef,
  updatedAt=CURRENT_TIMESTAMP
`, provider, messageID, subject, sender, receivedAt, hash, status, rawRef)
	if err != nil {
		return internal.InboundEmail{}, err
	}

	row, err := d.GetEmailByProviderMessageID(provider, messageID)
	if err != nil {
		return internal.InboundEmail{}, err
	}
	if row == nil {
		return internal.InboundEmail{}, errors.New("failed to upsert email")
	}
	return *row, nil
}

func (d *DB) GetEmailByProviderMessageID(provider, messageID string) (*internal.InboundEmail, error) {
	row, err := scanEmail(d.conn.QueryRow(`SELECT `+emailColumns+` FROM inbound_emails WHERE provider = ? AND messageId = ?`, provider, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (d *DB) MustEmailByProviderMessageID(provider, messageID string) (internal.InboundEmail, error) {
	row, err := d.GetEmailByProviderMessageID(provider, messageID)
	if err != nil {
		return internal.InboundEmail{}, err
	}
	if row == nil {
		return internal.InboundEmail{}, fmt.Errorf("email not found: provider=%s messageId=%s", provider, messageID)
	}
	return *row, nil
}

func (d *DB) ListEmailsByStatus(status string, limit int) ([]internal.InboundEmail, error) {
	rows, err := d.conn.Query(`SELECT `+emailColumns+` FROM inbound_emails WHERE status = ? ORDER BY receivedAt ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.InboundEmail
	for rows.Next() {
		row, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

func (d *DB) UpdateEmailStatus(emailID int, status string, batchIDs []int64) error {
	if batchIDs == nil {
		batchIDs = []int64{}
	}
	_, err := d.conn.Exec(`UPDATE inbound_emails SET status = ?, batchIdsJson = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, marshalJSON(batchIDs), emailID)
	return err
}

func scanEmail(s rowScanner) (*internal.InboundEmail, error) {
	var row internal.InboundEmail
	var subject, sender, receivedAt sql.NullString
	var batchIDsJSON string
	if err := s.Scan(&row.ID, &row.Provider, &row.MessageID, &subject, &sender, &receivedAt, &row.Hash, &row.Status, &row.RawRef, &batchIDsJSON); err != nil {
		return nil, err
	}
	row.Subject = subject.String
	row.Sender = sender.String
	row.ReceivedAt = receivedAt.String
	if err := json.Unmarshal([]byte(batchIDsJSON), &row.BatchIDs); err != nil {
		return nil, fmt.Errorf("email %d batch ids: %w", row.ID, err)
	}
	return &row, nil
}
