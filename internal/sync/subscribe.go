package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/pool"
	"github.com/matheus3301/carechat/internal/remote"
)

// subscription is one remote subscription shared by every viewer of a
// conversation. It holds the conversation's pool lease. Observed messages
// are queued and ingested in order by a single worker.
type subscription struct {
	conv    string
	ctx     context.Context
	cancel  context.CancelFunc
	stop    func()
	viewers map[int]viewer

	mu    sync.Mutex
	queue []model.Message
	wake  chan struct{}
}

type viewer struct {
	id string
	h  remote.MessageHandler
}

// push never blocks: store callbacks may run on the goroutine that is
// itself ingesting.
func (s *subscription) push(m model.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *subscription) teardown(p *pool.Pool) {
	if s.stop != nil {
		s.stop()
	}
	s.cancel()
	p.Release(s.conv)
}

// SubscribeConversation delivers changes of conv to h on behalf of viewerID
// until the returned func is called. The first viewer acquires a pool lease
// and opens the remote subscription; later viewers share it. Messages seen
// for the first time count as unread for the viewer they are addressed to,
// and are acknowledged as DELIVERED on the viewer's behalf.
func (e *Engine) SubscribeConversation(ctx context.Context, conv, viewerID string, h remote.MessageHandler) (func(), error) {
	if conv == "" {
		return nil, errs.Errorf(errs.InvalidArgument, "sync.subscribe", "empty conversation id")
	}
	if h == nil {
		h = func(model.Message) {}
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, errs.Errorf(errs.Unavailable, "sync.subscribe", "engine stopped")
	}
	if s, ok := e.subs[conv]; ok {
		key := e.addViewerLocked(s, viewerID, h)
		e.mu.Unlock()
		return e.unsubscriber(s, key), nil
	}
	e.mu.Unlock()

	if _, err := e.pool.Acquire(ctx, conv); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(e.ctx)
	s := &subscription{
		conv:    conv,
		ctx:     subCtx,
		cancel:  cancel,
		viewers: make(map[int]viewer),
		wake:    make(chan struct{}, 1),
	}
	stop, err := e.subscriber.SubscribeToNewMessages(subCtx, conv, s.push)
	if err != nil {
		cancel()
		e.pool.Release(conv)
		return nil, err
	}
	s.stop = stop

	e.mu.Lock()
	if existing, ok := e.subs[conv]; ok || e.stopped {
		// Lost a race with another first viewer, or with Stop.
		var key int
		if ok && !e.stopped {
			key = e.addViewerLocked(existing, viewerID, h)
		}
		stopped := e.stopped
		e.mu.Unlock()
		stop()
		cancel()
		if stopped {
			e.pool.Release(conv)
			return nil, errs.Errorf(errs.Unavailable, "sync.subscribe", "engine stopped")
		}
		return e.unsubscriber(existing, key), nil
	}
	e.subs[conv] = s
	key := e.addViewerLocked(s, viewerID, h)
	e.mu.Unlock()

	e.logger.Info("conversation subscribed", zap.String("conversation_id", conv), zap.String("viewer", viewerID))
	e.goRun(func() { e.work(s) })
	e.goCatchUp(s)
	return e.unsubscriber(s, key), nil
}

func (e *Engine) addViewerLocked(s *subscription, id string, h remote.MessageHandler) int {
	key := e.nextKey
	e.nextKey++
	s.viewers[key] = viewer{id: id, h: h}
	return key
}

// unsubscriber removes one viewer; the last one out stops the subscription,
// releases the lease and cancels the conversation's timers.
func (e *Engine) unsubscriber(s *subscription, key int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(s.viewers, key)
			if len(s.viewers) > 0 || e.subs[s.conv] != s {
				e.mu.Unlock()
				return
			}
			delete(e.subs, s.conv)
			e.stopTimersLocked(s.conv)
			e.mu.Unlock()

			s.teardown(e.pool)
			e.logger.Info("conversation unsubscribed", zap.String("conversation_id", s.conv))
		})
	}
}

// Subscriptions returns the number of conversations with a live subscription.
func (e *Engine) Subscriptions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Engine) goCatchUp(s *subscription) {
	if e.reconciler == nil {
		return
	}
	e.goRun(func() {
		n, err := e.reconciler.CatchUp(s.ctx, s.conv, s.push)
		if err != nil {
			e.logger.Warn("catch-up failed", zap.String("conversation_id", s.conv), zap.Error(err))
			return
		}
		if n > 0 {
			e.logger.Info("caught up", zap.String("conversation_id", s.conv), zap.Int("messages", n))
		}
	})
}

// work is the conversation's ingest actor.
func (e *Engine) work(s *subscription) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for _, m := range s.drain() {
			if s.ctx.Err() != nil {
				return
			}
			e.ingest(s.ctx, s, m)
		}
	}
}

// ingest stores a message observed remotely and fans it out to the viewers.
func (e *Engine) ingest(ctx context.Context, s *subscription, m model.Message) {
	if m.ConversationID == "" {
		m.ConversationID = s.conv
	}
	if m.ConversationID != s.conv {
		e.logger.Warn("dropping message for another conversation",
			zap.String("conversation_id", s.conv), zap.String("got", m.ConversationID))
		return
	}
	applied, err := e.tracker.ApplyRemote(ctx, m)
	if err != nil {
		e.logger.Warn("failed to ingest message", zap.String("id", m.ID), zap.Error(err))
		return
	}
	if e.reconciler != nil {
		if err := e.reconciler.UpdateCheckpoint(ctx, s.conv, m.Timestamp); err != nil {
			e.logger.Warn("failed to update checkpoint", zap.String("conversation_id", s.conv), zap.Error(err))
		}
	}
	if !applied.Changed() {
		return
	}

	e.mu.Lock()
	viewers := make([]viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	e.mu.Unlock()

	if applied.Created {
		if err := e.db.TouchConversation(ctx, s.conv, m.Timestamp, preview(m)); err != nil {
			e.logger.Warn("failed to touch conversation", zap.String("conversation_id", s.conv), zap.Error(err))
		}
		seen := make(map[string]bool)
		for _, v := range viewers {
			if v.id == "" || seen[v.id] || !addressedTo(m, v.id) {
				continue
			}
			seen[v.id] = true
			if !m.Deleted && m.Status.Rank() < model.StatusRead.Rank() {
				if err := e.db.IncrementUnread(ctx, s.conv, v.id, 1); err != nil {
					e.logger.Warn("failed to count unread", zap.String("conversation_id", s.conv), zap.Error(err))
				}
			}
			if m.Status == model.StatusSent {
				if _, err := e.tracker.Advance(ctx, s.conv, m.ID, model.StatusDelivered, v.id); err != nil {
					e.logger.Warn("delivery ack failed", zap.String("id", m.ID), zap.Error(err))
				}
			}
		}
		e.publish(bus.KindMessageUpserted, s.conv, m.ID, m)
	}
	e.cache.Invalidate(ctx, s.conv)

	stored, err := e.tracker.Get(ctx, s.conv, m.ID)
	if err != nil {
		e.logger.Warn("ingested message not readable", zap.String("id", m.ID), zap.Error(err))
		return
	}
	for _, v := range viewers {
		v.h(*stored)
	}
}

// addressedTo reports whether viewer is on the receiving end of m.
func addressedTo(m model.Message, viewer string) bool {
	if m.RecipientID != "" {
		return m.RecipientID == viewer
	}
	return m.SenderID != viewer
}
