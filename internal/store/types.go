package store

import (
	"encoding/json"

	"github.com/matheus3301/carechat/internal/model"
)

// Conversation is the local summary row for a conversation.
type Conversation struct {
	ID                 string
	LastMessageAt      int64
	LastMessagePreview string
	UpdatedAt          int64
}

// OutboxCounts groups outbox entries by status.
type OutboxCounts struct {
	Queued int
	Failed int
}

type scanner interface {
	Scan(dest ...any) error
}

func encodeAttachments(atts []model.Attachment) (string, error) {
	if len(atts) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeAttachments(raw string) ([]model.Attachment, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var atts []model.Attachment
	if err := json.Unmarshal([]byte(raw), &atts); err != nil {
		return nil, err
	}
	return atts, nil
}
