package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/carechat/internal/model"
)

const messageColumns = `conversation_id, id, client_id, sender_id, recipient_id, timestamp, body,
	attachments, status, sent_at, delivered_at, read_at, sent_by, delivered_to, read_by,
	status_owner, deleted`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertMessage inserts or updates a message (idempotent on conversation_id + id).
func (db *DB) UpsertMessage(ctx context.Context, m *model.Message) error {
	return upsertMessage(ctx, db, m)
}

func upsertMessage(ctx context.Context, ex execer, m *model.Message) error {
	atts, err := encodeAttachments(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = ex.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			client_id = excluded.client_id,
			body = excluded.body,
			attachments = excluded.attachments,
			status = excluded.status,
			sent_at = excluded.sent_at,
			delivered_at = excluded.delivered_at,
			read_at = excluded.read_at,
			sent_by = excluded.sent_by,
			delivered_to = excluded.delivered_to,
			read_by = excluded.read_by,
			status_owner = excluded.status_owner,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.ID, m.ClientID, m.SenderID, m.RecipientID, m.Timestamp, m.Body,
		atts, m.Status, m.SentAt, m.DeliveredAt, m.ReadAt, m.SentBy, m.DeliveredTo, m.ReadBy,
		m.StatusOwner, m.Deleted, now)
	return err
}

// DeleteMessageInStatus removes a message only while it has the given
// status. It reports whether a row was removed.
func (db *DB) DeleteMessageInStatus(ctx context.Context, conversationID, id string, status model.Status) (bool, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND id = ? AND status = ?`,
		conversationID, id, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanMessage(s scanner) (*model.Message, error) {
	var (
		m    model.Message
		atts string
	)
	if err := s.Scan(&m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &m.RecipientID, &m.Timestamp, &m.Body,
		&atts, &m.Status, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.SentBy, &m.DeliveredTo, &m.ReadBy,
		&m.StatusOwner, &m.Deleted); err != nil {
		return nil, err
	}
	var err error
	if m.Attachments, err = decodeAttachments(atts); err != nil {
		return nil, fmt.Errorf("message %s attachments: %w", m.ID, err)
	}
	return &m, nil
}

// GetMessage returns a single message, or nil if it is not stored locally.
func (db *DB) GetMessage(ctx context.Context, conversationID, id string) (*model.Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages for a conversation using keyset pagination by timestamp.
func (db *DB) ListMessages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
}

// UnreadMessages returns messages in the conversation that reader has not
// read and did not author, oldest first.
func (db *DB) UnreadMessages(ctx context.Context, conversationID, reader string) ([]model.Message, error) {
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND deleted = 0 AND status IN (?, ?)
		ORDER BY timestamp ASC, id ASC`,
		conversationID, reader, model.StatusSent, model.StatusDelivered)
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MarkRead writes the READ transitions for msgs and zeroes reader's unread
// counter for the conversation in one transaction.
func (db *DB) MarkRead(ctx context.Context, conversationID, reader string, msgs []model.Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range msgs {
		if err := upsertMessage(ctx, tx, &msgs[i]); err != nil {
			return fmt.Errorf("upsert message %q: %w", msgs[i].ID, err)
		}
	}
	if err := setUnread(ctx, tx, conversationID, reader, 0); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return tx.Commit()
}

// ListMessagesPage returns the page-th block of limit messages, newest first.
func (db *DB) ListMessagesPage(ctx context.Context, conversationID string, page, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if page < 0 {
		page = 0
	}
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`, conversationID, limit, page*limit)
}
