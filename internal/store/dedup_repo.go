package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DedupRecord is an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	ContactID   string     `json:"contact_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines inbound message deduplication.
type DedupRepo interface {
	// IsDuplicate reports whether messageID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. It returns false if
	// the message was already recorded.
	RecordInbound(ctx context.Context, messageID, contactID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

func (c conn) isDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := c.queryRow(ctx, `SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (c conn) markProcessed(ctx context.Context, messageID string) error {
	_, err := c.exec(ctx, `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlBase) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	return s.conn().isDuplicate(ctx, messageID)
}

func (s *sqlBase) MarkProcessed(ctx context.Context, messageID string) error {
	return s.conn().markProcessed(ctx, messageID)
}

// RecordInbound claims messageID inside the contact transaction. The claim is
// rolled back with the transaction, so a redelivered event whose processing
// failed is processed again.
func (t *contactTx) RecordInbound(ctx context.Context, messageID string) (bool, error) {
	dup, err := t.isDuplicate(ctx, messageID)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}
	now := time.Now().UTC()
	if _, err := t.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, contact_id, received_at, processed_at) VALUES (?, ?, ?, ?)`,
		messageID, t.contactID, now, now,
	); err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return true, nil
}

func (s *sqlBase) RecordInbound(ctx context.Context, messageID, contactID string) (bool, error) {
	result, err := s.conn().exec(ctx,
		`INSERT INTO inbound_dedup (message_id, contact_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, contactID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}
