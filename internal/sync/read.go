package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/store"
)

// ConversationSummary is a conversation with the viewer's unread count.
type ConversationSummary struct {
	store.Conversation
	Unread int
}

// GetMessages returns a page of history, newest first. When the remote
// store cannot be reached the page is served from the local database; an
// error is returned only when neither source could answer.
func (e *Engine) GetMessages(ctx context.Context, conv string, page, limit int) ([]model.Message, error) {
	if conv == "" || page < 0 {
		return nil, errs.Errorf(errs.InvalidArgument, "sync.get_messages", "conversation %q page %d", conv, page)
	}
	msgs, err := e.cache.GetMessagesPaginated(ctx, conv, page, limit)
	if err == nil {
		return msgs, nil
	}
	if callerError(err) {
		return nil, err
	}
	e.logger.Warn("remote history unavailable, serving local copy",
		zap.String("conversation_id", conv), zap.Int("page", page), zap.Error(err))
	local, lerr := e.db.ListMessagesPage(ctx, conv, page, limit)
	if lerr != nil {
		e.logger.Error("local history unavailable", zap.String("conversation_id", conv), zap.Error(lerr))
		return nil, errs.E(errs.Unavailable, "sync.get_messages", err)
	}
	return local, nil
}

// GetOlder returns up to limit messages older than the anchor, newest first.
func (e *Engine) GetOlder(ctx context.Context, conv, anchorID string, limit int) ([]model.Message, error) {
	msgs, err := e.cache.GetPreviousPage(ctx, conv, anchorID, limit)
	if err == nil || callerError(err) {
		return msgs, err
	}
	anchor, gerr := e.db.GetMessage(ctx, conv, anchorID)
	if gerr != nil || anchor == nil {
		return nil, errs.E(errs.Unavailable, "sync.get_older", err)
	}
	e.logger.Warn("remote history unavailable, serving local copy", zap.String("conversation_id", conv), zap.Error(err))
	local, lerr := e.db.ListMessages(ctx, conv, anchor.Timestamp, limit)
	if lerr != nil {
		return nil, errs.E(errs.Unavailable, "sync.get_older", err)
	}
	return local, nil
}

// GetNewer returns up to limit messages newer than the anchor, newest first.
func (e *Engine) GetNewer(ctx context.Context, conv, anchorID string, limit int) ([]model.Message, error) {
	return e.cache.GetNextPage(ctx, conv, anchorID, limit)
}

// Acknowledge marks one message READ by reader. It reports whether the
// status moved; acknowledging one's own message or a message already read
// does nothing.
func (e *Engine) Acknowledge(ctx context.Context, conv, id, reader string) (bool, error) {
	if reader == "" {
		return false, errs.Errorf(errs.InvalidArgument, "sync.acknowledge", "empty reader")
	}
	m, err := e.tracker.Get(ctx, conv, id)
	if err != nil {
		return false, err
	}
	if m.SenderID == reader {
		return false, nil
	}
	ok, err := e.tracker.Advance(ctx, conv, id, model.StatusRead, reader)
	if err != nil {
		if !ok {
			if callerError(err) {
				return false, err
			}
			e.logger.Error("acknowledge failed", zap.String("id", id), zap.Error(err))
			return false, nil
		}
		e.logger.Warn("read status not synced", zap.String("id", id), zap.Error(err))
	}
	if ok {
		if n, err := e.db.UnreadCount(ctx, conv, reader); err == nil && n > 0 {
			if err := e.db.IncrementUnread(ctx, conv, reader, -1); err != nil {
				e.logger.Warn("failed to update unread", zap.String("conversation_id", conv), zap.Error(err))
			}
		}
		e.cache.Invalidate(ctx, conv)
	}
	return ok, nil
}

// MarkAllRead marks every unread message in conv READ for reader and returns
// how many were marked.
func (e *Engine) MarkAllRead(ctx context.Context, conv, reader string) (int, error) {
	n, err := e.tracker.MarkAllRead(ctx, conv, reader)
	if err != nil {
		if callerError(err) {
			return 0, err
		}
		e.logger.Warn("mark all read incomplete", zap.String("conversation_id", conv), zap.Int("marked", n), zap.Error(err))
	}
	if n > 0 {
		e.cache.Invalidate(ctx, conv)
	}
	return n, nil
}

// DeleteMessage soft-deletes a message authored by actor.
func (e *Engine) DeleteMessage(ctx context.Context, conv, id, actor string) error {
	if err := e.tracker.SoftDelete(ctx, conv, id, actor); err != nil {
		if callerError(err) {
			return err
		}
		e.logger.Warn("delete not fully applied", zap.String("id", id), zap.Error(err))
	}
	e.cache.Invalidate(ctx, conv)
	return nil
}

// ListConversations returns conversations, most recent first, with viewer's
// unread counts.
func (e *Engine) ListConversations(ctx context.Context, viewerID string, limit, offset int) ([]ConversationSummary, error) {
	convs, err := e.db.ListConversations(ctx, limit, offset)
	if err != nil {
		e.logger.Error("list conversations", zap.Error(err))
		return nil, errs.E(errs.Internal, "sync.list_conversations", err)
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		s := ConversationSummary{Conversation: c}
		if viewerID != "" {
			if s.Unread, err = e.db.UnreadCount(ctx, c.ID, viewerID); err != nil {
				e.logger.Warn("unread count", zap.String("conversation_id", c.ID), zap.Error(err))
			}
		}
		out = append(out, s)
	}
	return out, nil
}
