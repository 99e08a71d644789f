package sync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/delivery"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/remote"
)

// SendRequest is an outgoing message. ClientID, when set, is used as the
// message id so a caller retrying the same request does not duplicate it.
type SendRequest struct {
	SenderID    string
	RecipientID string
	Body        string
	Attachments []model.Attachment
	ClientID    string
}

// SendResult is what the caller sees right after Send returns.
type SendResult struct {
	ID             string
	ConversationID string
	Status         model.Status
}

// Send delivers a message now when online, or queues it. An online attempt
// that fails, including a pool timeout, falls back to the outbox so sending
// never blocks on the network. Only a failure to persist locally is returned.
func (e *Engine) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	conv, err := model.ConversationID(req.SenderID, req.RecipientID)
	if err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(req.Body) == "" && len(req.Attachments) == 0 {
		return SendResult{}, errs.Errorf(errs.InvalidArgument, "sync.send", "empty message")
	}
	id := req.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	q := model.QueuedMessage{
		ID:             id,
		ConversationID: conv,
		SenderID:       strings.TrimSpace(req.SenderID),
		RecipientID:    strings.TrimSpace(req.RecipientID),
		Body:           req.Body,
		Attachments:    req.Attachments,
		EnqueuedAt:     e.clock.Now().UnixMilli(),
	}
	res := SendResult{ID: id, ConversationID: conv}

	if e.monitor.IsOnline() {
		err := e.deliver(ctx, q)
		if err == nil {
			res.Status = model.StatusSent
			return res, nil
		}
		e.logger.Warn("online send failed, queueing",
			zap.String("id", id), zap.String("conversation_id", conv), zap.Error(err))
	}

	if _, err := e.outbox.Enqueue(context.WithoutCancel(ctx), q); err != nil {
		return SendResult{}, err
	}
	res.Status = model.StatusQueued
	return res, nil
}

// deliver writes one message remotely under a pool lease. It is the send
// function for both online sends and outbox drains.
func (e *Engine) deliver(ctx context.Context, q model.QueuedMessage) error {
	conv := q.ConversationID
	if _, err := e.pool.Acquire(ctx, conv); err != nil {
		return err
	}
	defer e.releaseUnlessSubscribed(conv)

	// Every attempt stamps the enqueue time as the message timestamp.
	now := e.clock.Now()
	ts := q.EnqueuedAt
	if ts == 0 {
		ts = now.UnixMilli()
	}
	msg := messageFor(q, ts)
	if err := e.tracker.Begin(ctx, msg); err != nil {
		return err
	}

	sent := msg
	delivery.Stamp(&sent, model.StatusSent, q.SenderID, now)
	rec, err := remote.Encode(sent)
	if err == nil {
		_, err = e.remote.Write(ctx, remote.MessagesPath(conv), rec)
	}
	if err != nil {
		if aerr := e.tracker.Abandon(context.WithoutCancel(ctx), conv, q.ID); aerr != nil {
			e.logger.Warn("failed to drop unsent local copy", zap.String("id", q.ID), zap.Error(aerr))
		}
		return err
	}
	if _, err := e.tracker.ApplyRemote(ctx, sent); err != nil {
		e.logger.Warn("sent message not mirrored locally", zap.String("id", q.ID), zap.Error(err))
	}

	if err := e.db.TouchConversation(ctx, conv, sent.Timestamp, preview(sent)); err != nil {
		e.logger.Warn("failed to touch conversation", zap.String("conversation_id", conv), zap.Error(err))
	}
	meta := map[string]any{
		"lastMessageAt":      sent.Timestamp,
		"lastMessagePreview": preview(sent),
		"lastSenderId":       sent.SenderID,
	}
	if err := e.remote.Update(ctx, remote.ConversationPath(conv), meta); err != nil {
		e.logger.Warn("failed to update conversation metadata", zap.String("conversation_id", conv), zap.Error(err))
	}
	e.cache.Invalidate(ctx, conv)
	e.publish(bus.KindMessageUpserted, conv, sent.ID, sent)
	e.scheduleDelivered(conv, sent.ID, sent.RecipientID)
	return nil
}

func (e *Engine) releaseUnlessSubscribed(conv string) {
	e.mu.Lock()
	_, held := e.subs[conv]
	e.mu.Unlock()
	if !held {
		e.pool.Release(conv)
	}
}

// scheduleDelivered marks the message DELIVERED after DeliveryDelay unless
// the recipient got further first. Timers are per conversation so tearing
// down a conversation stops them.
func (e *Engine) scheduleDelivered(conv, id, recipient string) {
	if e.cfg.DeliveryDelay < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if e.timers[conv] == nil {
		e.timers[conv] = make(map[string]*time.Timer)
	}
	if old, ok := e.timers[conv][id]; ok {
		old.Stop()
	}
	e.timers[conv][id] = time.AfterFunc(e.cfg.DeliveryDelay, func() {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		delete(e.timers[conv], id)
		if len(e.timers[conv]) == 0 {
			delete(e.timers, conv)
		}
		e.wg.Add(1)
		e.mu.Unlock()
		defer e.wg.Done()

		if _, err := e.tracker.Advance(e.ctx, conv, id, model.StatusDelivered, recipient); err != nil {
			e.logger.Warn("delivery confirmation failed",
				zap.String("conversation_id", conv), zap.String("id", id), zap.Error(err))
		}
	})
}

// stopTimersLocked cancels pending delivery timers of conv.
func (e *Engine) stopTimersLocked(conv string) {
	for _, t := range e.timers[conv] {
		t.Stop()
	}
	delete(e.timers, conv)
}

// PendingTimers returns the number of scheduled delivery confirmations.
func (e *Engine) PendingTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int
	for _, ts := range e.timers {
		n += len(ts)
	}
	return n
}

func (e *Engine) publish(kind, conv, id string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:           kind,
		Timestamp:      e.clock.Now(),
		ConversationID: conv,
		MessageID:      id,
		Payload:        payload,
	})
}
