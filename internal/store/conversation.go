package store

import (
	"context"
	"database/sql"
	"time"
)

// TouchConversation records the newest message seen for a conversation.
// Older timestamps never move last_message_at backwards.
func (db *DB) TouchConversation(ctx context.Context, id string, lastAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		id, lastAt, preview, now)
	return err
}

// ListConversations returns conversations sorted by last message timestamp descending.
func (db *DB) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, last_message_at, last_message_preview, updated_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.LastMessageAt, &c.LastMessagePreview, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// IncrementUnread bumps reader's unread counter for a conversation.
func (db *DB) IncrementUnread(ctx context.Context, conversationID, reader string, by int) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO unread_counters (conversation_id, reader_id, count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, reader_id) DO UPDATE SET
			count = unread_counters.count + excluded.count,
			updated_at = excluded.updated_at`,
		conversationID, reader, by, now)
	return err
}

// UnreadCount returns reader's unread counter, 0 if none was recorded.
func (db *DB) UnreadCount(ctx context.Context, conversationID, reader string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT count FROM unread_counters WHERE conversation_id = ? AND reader_id = ?`,
		conversationID, reader).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func setUnread(ctx context.Context, ex execer, conversationID, reader string, n int) error {
	now := time.Now().UnixMilli()
	_, err := ex.ExecContext(ctx, `
		INSERT INTO unread_counters (conversation_id, reader_id, count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, reader_id) DO UPDATE SET
			count = excluded.count,
			updated_at = excluded.updated_at`,
		conversationID, reader, n, now)
	return err
}
