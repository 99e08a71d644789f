package model

import (
	"strings"
	"time"

	"github.com/matheus3301/carechat/internal/errs"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
)

// Rank orders the forward delivery states. FAILED and QUEUED have no rank.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a chat message known to the backend. Timestamps are unix millis;
// zero means unset.
type Message struct {
	ID             string       `json:"id"`
	ClientID       string       `json:"clientId,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	RecipientID    string       `json:"recipientId,omitempty"`
	Timestamp      int64        `json:"timestamp"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Status         Status       `json:"status"`
	SentAt         int64        `json:"sentAt,omitempty"`
	DeliveredAt    int64        `json:"deliveredAt,omitempty"`
	ReadAt         int64        `json:"readAt,omitempty"`
	SentBy         string       `json:"sentBy,omitempty"`
	DeliveredTo    string       `json:"deliveredTo,omitempty"`
	ReadBy         string       `json:"readBy,omitempty"`
	StatusOwner    string       `json:"statusOwner,omitempty"`
	Deleted        bool         `json:"deleted,omitempty"`
}

// QueuedMessage is an outgoing message owned by the outbox until it is sent.
type QueuedMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	RecipientID    string       `json:"recipientId"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	EnqueuedAt     int64        `json:"enqueuedAt"`
	RetryCount     int          `json:"retryCount"`
	Status         Status       `json:"status"`
	FailedAt       int64        `json:"failedAt,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
}

// QueueStatus is a read-only view of the outbox used for UI badges.
type QueueStatus struct {
	IsOnline     bool `json:"isOnline"`
	PendingCount int  `json:"pendingCount"`
	FailedCount  int  `json:"failedCount"`
	QueuedCount  int  `json:"queuedCount"`
}

// CachedPage is a fetched slice of a conversation's history.
type CachedPage struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	FetchedAt      time.Time `json:"fetchedAt"`
	PageIndex      int       `json:"pageIndex"`
}

// Fresh reports whether the page may be served without revalidation.
func (p *CachedPage) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.FetchedAt) < ttl
}

// LoadedRange records a span of message indexes already loaded for a
// conversation. Overlapping ranges are allowed to coexist.
type LoadedRange struct {
	ConversationID string    `json:"conversationId"`
	Start          int       `json:"start"`
	End            int       `json:"end"`
	Timestamp      time.Time `json:"timestamp"`
}

// Contains reports whether [start, end] lies inside the range.
func (r LoadedRange) Contains(start, end int) bool {
	return r.Start <= start && end <= r.End
}

// ConnectionLease is admission to the remote store for one conversation.
type ConnectionLease struct {
	ConversationID string
	CreatedAt      time.Time
	LastUsed       time.Time
}

// Expired reports whether the lease has outlived timeout.
func (l *ConnectionLease) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.CreatedAt) >= timeout
}

// ConversationID derives the channel id shared by two participants. The pair
// is sorted so id(a, b) == id(b, a).
func ConversationID(a, b string) (string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", errs.Errorf(errs.InvalidArgument, "conversation id", "empty participant")
	}
	if a == b {
		return "", errs.Errorf(errs.InvalidArgument, "conversation id", "participants must differ")
	}
	if b < a {
		a, b = b, a
	}
	return a + "_" + b, nil
}
