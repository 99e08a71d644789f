package bus

import "time"

// Event kinds. Subscribers filter by prefix, e.g. "outbox." or "message.".
const (
	KindOutboxEnqueued      = "outbox.enqueued"
	KindOutboxSent          = "outbox.sent"
	KindOutboxFailed        = "outbox.failed"
	KindOutboxDrained       = "outbox.drained"
	KindMessageUpserted     = "message.upserted"
	KindMessageStatus       = "message.status"
	KindConnectivityOnline  = "connectivity.online"
	KindConnectivityOffline = "connectivity.offline"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind           string
	Timestamp      time.Time
	ConversationID string
	MessageID      string
	Payload        any
}
