package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/carechat/internal/model"
)

// Wire shapes. Every request and response travels as a google.protobuf.Struct
// holding the JSON form of one of these.

type Empty struct{}

type SendRequest struct {
	SenderID    string             `json:"senderId"`
	RecipientID string             `json:"recipientId"`
	Body        string             `json:"body"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	ClientID    string             `json:"clientId,omitempty"`
}

type SendResponse struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Status         model.Status `json:"status"`
}

type DrainResponse struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Sent      int  `json:"sent"`
	Retried   int  `json:"retried"`
	Exhausted int  `json:"exhausted"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type PendingResponse struct {
	Messages []model.QueuedMessage `json:"messages"`
}

// PageRequest selects history either by page index or, when AnchorID is
// set, relative to an anchor message.
type PageRequest struct {
	ConversationID string `json:"conversationId"`
	Page           int    `json:"page,omitempty"`
	AnchorID       string `json:"anchorId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type MessagesResponse struct {
	Messages []model.Message `json:"messages"`
}

type MessageRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	ActorID        string `json:"actorId"`
}

type AckResponse struct {
	Changed bool `json:"changed"`
}

type ConversationsRequest struct {
	ViewerID string `json:"viewerId"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

type Conversation struct {
	ID                 string `json:"id"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	LastMessagePreview string `json:"lastMessagePreview"`
	UpdatedAt          int64  `json:"updatedAt"`
	Unread             int    `json:"unread"`
}

type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type OnlineRequest struct {
	Online bool `json:"online"`
}

type WatchRequest struct {
	// Namespace filters events by kind prefix, e.g. "outbox.". Empty
	// receives everything.
	Namespace string `json:"namespace,omitempty"`
}

type SubscribeRequest struct {
	ConversationID string `json:"conversationId"`
	ViewerID       string `json:"viewerId"`
}

// Event is a bus event as seen by stream clients.
type Event struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	OccurredAt     int64           `json:"occurredAt"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
