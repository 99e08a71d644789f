package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/carechat/internal/model"
)

const outboxColumns = `id, conversation_id, sender_id, recipient_id, body, attachments,
	status, retry_count, enqueued_at, failed_at, last_error`

// QueueOutbox adds a message to the send outbox. Re-queueing an existing id is
// a no-op so a retried Enqueue cannot duplicate an entry.
func (db *DB) QueueOutbox(ctx context.Context, q *model.QueuedMessage) error {
	atts, err := encodeAttachments(q.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	status := q.Status
	if status == "" {
		status = model.StatusQueued
	}
	now := time.Now().UnixMilli()
	_, err = db.ExecContext(ctx, `
		INSERT INTO outbox (id, conversation_id, sender_id, recipient_id, body, attachments,
			status, retry_count, enqueued_at, failed_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		q.ID, q.ConversationID, q.SenderID, q.RecipientID, q.Body, atts,
		status, q.RetryCount, q.EnqueuedAt, q.FailedAt, q.LastError, now)
	return err
}

// OutboxByStatus returns entries with the given status in enqueue order.
func (db *DB) OutboxByStatus(ctx context.Context, status model.Status) ([]model.QueuedMessage, error) {
	return db.queryOutbox(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE status = ? ORDER BY seq ASC`, status)
}

// AllOutbox returns every entry still owned by the outbox in enqueue order.
func (db *DB) AllOutbox(ctx context.Context) ([]model.QueuedMessage, error) {
	return db.queryOutbox(ctx, `SELECT `+outboxColumns+` FROM outbox ORDER BY seq ASC`)
}

func (db *DB) queryOutbox(ctx context.Context, query string, args ...any) ([]model.QueuedMessage, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []model.QueuedMessage
	for rows.Next() {
		var (
			q    model.QueuedMessage
			atts string
		)
		if err := rows.Scan(&q.ID, &q.ConversationID, &q.SenderID, &q.RecipientID, &q.Body, &atts,
			&q.Status, &q.RetryCount, &q.EnqueuedAt, &q.FailedAt, &q.LastError); err != nil {
			return nil, err
		}
		if q.Attachments, err = decodeAttachments(atts); err != nil {
			return nil, fmt.Errorf("outbox %s attachments: %w", q.ID, err)
		}
		entries = append(entries, q)
	}
	return entries, rows.Err()
}

// RecordOutboxAttempt stores the outcome of a failed send attempt: the new
// retry count, status, failure time and error text.
func (db *DB) RecordOutboxAttempt(ctx context.Context, q *model.QueuedMessage) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET retry_count = ?, status = ?, failed_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		q.RetryCount, q.Status, q.FailedAt, q.LastError, now, q.ID)
	return err
}

// DeleteOutbox removes an entry after it has been sent.
func (db *DB) DeleteOutbox(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// ResetFailedOutbox moves FAILED entries back to QUEUED with a fresh retry
// budget. Returns the number of entries reset.
func (db *DB) ResetFailedOutbox(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, retry_count = 0, failed_at = 0, last_error = '', updated_at = ?
		WHERE status = ?`,
		model.StatusQueued, now, model.StatusFailed)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearFailedOutbox permanently deletes FAILED entries.
func (db *DB) ClearFailedOutbox(ctx context.Context) (int, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE status = ?`, model.StatusFailed)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountOutbox returns the number of queued and failed entries.
func (db *DB) CountOutbox(ctx context.Context) (OutboxCounts, error) {
	var c OutboxCounts
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return c, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			status model.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch status {
		case model.StatusQueued:
			c.Queued = n
		case model.StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}
