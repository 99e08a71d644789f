package api

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/outbox"
	"github.com/matheus3301/carechat/internal/remote"
	intsync "github.com/matheus3301/carechat/internal/sync"
)

const (
	eventBuffer   = 256
	messageBuffer = 64
)

// Engine is the part of the sync engine exposed to UI processes.
type Engine interface {
	Send(ctx context.Context, req intsync.SendRequest) (intsync.SendResult, error)
	QueueStatus(ctx context.Context) model.QueueStatus
	DrainOutbox(ctx context.Context) outbox.DrainResult
	RetryFailed(ctx context.Context) int
	ClearFailed(ctx context.Context) int
	Pending(ctx context.Context) []model.QueuedMessage
	SetOnline(ctx context.Context, online bool)
	GetMessages(ctx context.Context, conv string, page, limit int) ([]model.Message, error)
	GetOlder(ctx context.Context, conv, anchorID string, limit int) ([]model.Message, error)
	GetNewer(ctx context.Context, conv, anchorID string, limit int) ([]model.Message, error)
	Acknowledge(ctx context.Context, conv, id, reader string) (bool, error)
	MarkAllRead(ctx context.Context, conv, reader string) (int, error)
	DeleteMessage(ctx context.Context, conv, id, actor string) error
	ListConversations(ctx context.Context, viewerID string, limit, offset int) ([]intsync.ConversationSummary, error)
	SubscribeConversation(ctx context.Context, conv, viewerID string, h remote.MessageHandler) (func(), error)
}

// SyncService implements the carechat.v1.SyncService gRPC service.
type SyncService struct {
	engine  Engine
	bus     *bus.Bus
	profile string
	logger  *zap.Logger
}

// NewSyncService creates the service for one daemon profile.
func NewSyncService(engine Engine, b *bus.Bus, profile string, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{engine: engine, bus: b, profile: profile, logger: logger}
}

func (s *SyncService) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	res, err := s.engine.Send(ctx, intsync.SendRequest{
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Body:        req.Body,
		Attachments: req.Attachments,
		ClientID:    req.ClientID,
	})
	if err != nil {
		return nil, err
	}
	return &SendResponse{ID: res.ID, ConversationID: res.ConversationID, Status: res.Status}, nil
}

func (s *SyncService) QueueStatus(ctx context.Context, _ *Empty) (*model.QueueStatus, error) {
	st := s.engine.QueueStatus(ctx)
	return &st, nil
}

func (s *SyncService) Drain(ctx context.Context, _ *Empty) (*DrainResponse, error) {
	res := s.engine.DrainOutbox(ctx)
	return &DrainResponse{
		Skipped:   res.Skipped,
		Attempted: res.Attempted,
		Sent:      res.Sent,
		Retried:   res.Retried,
		Exhausted: len(res.Exhausted),
	}, nil
}

func (s *SyncService) RetryFailed(ctx context.Context, _ *Empty) (*CountResponse, error) {
	return &CountResponse{Count: s.engine.RetryFailed(ctx)}, nil
}

func (s *SyncService) ClearFailed(ctx context.Context, _ *Empty) (*CountResponse, error) {
	return &CountResponse{Count: s.engine.ClearFailed(ctx)}, nil
}

func (s *SyncService) Pending(ctx context.Context, _ *Empty) (*PendingResponse, error) {
	return &PendingResponse{Messages: s.engine.Pending(ctx)}, nil
}

func (s *SyncService) SetOnline(ctx context.Context, req *OnlineRequest) (*model.QueueStatus, error) {
	s.engine.SetOnline(ctx, req.Online)
	st := s.engine.QueueStatus(ctx)
	return &st, nil
}

func (s *SyncService) GetMessages(ctx context.Context, req *PageRequest) (*MessagesResponse, error) {
	msgs, err := s.engine.GetMessages(ctx, req.ConversationID, req.Page, req.Limit)
	if err != nil {
		return nil, err
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (s *SyncService) GetOlder(ctx context.Context, req *PageRequest) (*MessagesResponse, error) {
	if req.AnchorID == "" {
		return nil, errs.Errorf(errs.InvalidArgument, "api.get_older", "anchorId is required")
	}
	msgs, err := s.engine.GetOlder(ctx, req.ConversationID, req.AnchorID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (s *SyncService) GetNewer(ctx context.Context, req *PageRequest) (*MessagesResponse, error) {
	if req.AnchorID == "" {
		return nil, errs.Errorf(errs.InvalidArgument, "api.get_newer", "anchorId is required")
	}
	msgs, err := s.engine.GetNewer(ctx, req.ConversationID, req.AnchorID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (s *SyncService) Acknowledge(ctx context.Context, req *MessageRequest) (*AckResponse, error) {
	changed, err := s.engine.Acknowledge(ctx, req.ConversationID, req.MessageID, req.ActorID)
	if err != nil {
		return nil, err
	}
	return &AckResponse{Changed: changed}, nil
}

func (s *SyncService) MarkAllRead(ctx context.Context, req *MessageRequest) (*CountResponse, error) {
	n, err := s.engine.MarkAllRead(ctx, req.ConversationID, req.ActorID)
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: n}, nil
}

func (s *SyncService) DeleteMessage(ctx context.Context, req *MessageRequest) (*Empty, error) {
	if err := s.engine.DeleteMessage(ctx, req.ConversationID, req.MessageID, req.ActorID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *SyncService) ListConversations(ctx context.Context, req *ConversationsRequest) (*ConversationsResponse, error) {
	convs, err := s.engine.ListConversations(ctx, req.ViewerID, req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, Conversation{
			ID:                 c.ID,
			LastMessageAt:      c.LastMessageAt,
			LastMessagePreview: c.LastMessagePreview,
			UpdatedAt:          c.UpdatedAt,
			Unread:             c.Unread,
		})
	}
	return &ConversationsResponse{Conversations: out}, nil
}

// WatchEvents streams bus events matching the namespace until the client
// goes away.
func (s *SyncService) WatchEvents(req *WatchRequest, send func(*Event) error, done <-chan struct{}) error {
	if s.bus == nil {
		return errs.Errorf(errs.Unavailable, "api.watch_events", "no event bus")
	}
	ch, unsub := s.bus.Subscribe(req.Namespace, eventBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := send(s.envelope(evt)); err != nil {
				return err
			}
		case <-done:
			return nil
		}
	}
}

func (s *SyncService) envelope(evt bus.Event) *Event {
	out := &Event{
		ID:             uuid.New().String(),
		Kind:           evt.Kind,
		OccurredAt:     evt.Timestamp.UnixMilli(),
		ConversationID: evt.ConversationID,
		MessageID:      evt.MessageID,
	}
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			s.logger.Warn("event payload not encodable",
				zap.String("kind", evt.Kind), zap.Error(err))
		} else {
			out.Payload = raw
		}
	}
	return out
}

// Subscribe streams a conversation's new and changed messages on behalf of
// a viewer. A client that falls behind loses messages rather than stalling
// the other viewers of the conversation.
func (s *SyncService) Subscribe(ctx context.Context, req *SubscribeRequest, send func(*model.Message) error) error {
	if req.ViewerID == "" {
		return errs.Errorf(errs.InvalidArgument, "api.subscribe", "viewerId is required")
	}
	ch := make(chan model.Message, messageBuffer)
	unsub, err := s.engine.SubscribeConversation(ctx, req.ConversationID, req.ViewerID, func(m model.Message) {
		select {
		case ch <- m:
		default:
			s.logger.Warn("subscriber too slow, dropping message",
				zap.String("conversation_id", m.ConversationID),
				zap.String("message_id", m.ID))
		}
	})
	if err != nil {
		return err
	}
	defer unsub()

	for {
		select {
		case m := <-ch:
			if err := send(&m); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
