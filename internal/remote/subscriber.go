package remote

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/carechat/internal/model"
)

// MessageHandler receives messages observed on a conversation.
type MessageHandler func(model.Message)

// Subscriber delivers new and changed messages of a conversation until the
// returned func is called.
type Subscriber interface {
	SubscribeToNewMessages(ctx context.Context, conversationID string, h MessageHandler) (func(), error)
}

// StreamSubscriber relies on the store's push subscriptions.
type StreamSubscriber struct {
	store Store
	log   *zap.Logger
}

// NewStreamSubscriber returns a Subscriber over store.Subscribe.
func NewStreamSubscriber(store Store, log *zap.Logger) *StreamSubscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamSubscriber{store: store, log: log}
}

func (s *StreamSubscriber) SubscribeToNewMessages(ctx context.Context, conversationID string, h MessageHandler) (func(), error) {
	return s.store.Subscribe(ctx, MessagesPath(conversationID), func(rec Record) {
		var m model.Message
		if err := Decode(rec, &m); err != nil {
			s.log.Warn("dropping undecodable message",
				zap.String("conversation_id", conversationID), zap.String("id", rec.ID()), zap.Error(err))
			return
		}
		h(m)
	})
}

// PollingSubscriber reads each subscribed conversation on an interval: new
// messages past a timestamp cursor, plus a window of the newest messages to
// pick up status changes. All subscriptions share one rate limiter.
type PollingSubscriber struct {
	store    Store
	interval time.Duration
	window   int
	limiter  *rate.Limiter
	log      *zap.Logger
}

// PollingOption configures a PollingSubscriber.
type PollingOption func(*PollingSubscriber)

// WithRate caps reads across all subscriptions at rps with the given burst.
func WithRate(rps float64, burst int) PollingOption {
	return func(p *PollingSubscriber) { p.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithWindow sets how many of the newest messages are re-read for status changes.
func WithWindow(n int) PollingOption {
	return func(p *PollingSubscriber) { p.window = n }
}

// NewPollingSubscriber returns a Subscriber that polls store every interval.
func NewPollingSubscriber(store Store, interval time.Duration, log *zap.Logger, opts ...PollingOption) *PollingSubscriber {
	if log == nil {
		log = zap.NewNop()
	}
	p := &PollingSubscriber{
		store:    store,
		interval: interval,
		window:   50,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		log:      log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

const pollBatch = 100

type pollState struct {
	cursor *Cursor
	seen   map[string]string
}

func (p *PollingSubscriber) SubscribeToNewMessages(ctx context.Context, conversationID string, h MessageHandler) (func(), error) {
	st := &pollState{seen: make(map[string]string)}
	// Seed from what already exists so only later changes are delivered.
	if err := p.poll(ctx, conversationID, st, nil); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				if err := p.poll(pollCtx, conversationID, st, h); err != nil && pollCtx.Err() == nil {
					p.log.Warn("poll failed", zap.String("conversation_id", conversationID), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// poll advances st. With a nil handler it only records state.
func (p *PollingSubscriber) poll(ctx context.Context, conversationID string, st *pollState, h MessageHandler) error {
	path := MessagesPath(conversationID)

	var changed []model.Message
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		q := Query{OrderBy: "timestamp", Direction: Ascending, Limit: pollBatch, Cursor: st.cursor}
		if st.cursor == nil {
			// First read: only the newest window matters.
			q = Query{OrderBy: "timestamp", Direction: Descending, Limit: p.window}
		}
		recs, err := p.store.Read(ctx, path, q)
		if err != nil {
			return err
		}
		if st.cursor == nil {
			reverse(recs)
		}
		for _, rec := range recs {
			m, ok := p.decode(conversationID, rec)
			if !ok {
				continue
			}
			if st.observe(m) {
				changed = append(changed, m)
			}
			st.cursor = &Cursor{Value: m.Timestamp, ID: m.ID}
		}
		if st.cursor == nil || len(recs) < pollBatch || q.Direction == Descending {
			break
		}
	}

	if st.cursor != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		recs, err := p.store.Read(ctx, path, Query{OrderBy: "timestamp", Direction: Descending, Limit: p.window})
		if err != nil {
			return err
		}
		reverse(recs)
		for _, rec := range recs {
			if m, ok := p.decode(conversationID, rec); ok && st.observe(m) {
				changed = append(changed, m)
			}
		}
	}

	if h != nil {
		for _, m := range changed {
			h(m)
		}
	}
	return nil
}

func (p *PollingSubscriber) decode(conversationID string, rec Record) (model.Message, bool) {
	var m model.Message
	if err := Decode(rec, &m); err != nil {
		p.log.Warn("dropping undecodable message",
			zap.String("conversation_id", conversationID), zap.String("id", rec.ID()), zap.Error(err))
		return m, false
	}
	return m, true
}

// observe records m's state and reports whether it differs from the last one seen.
func (st *pollState) observe(m model.Message) bool {
	fp := string(m.Status)
	if m.Deleted {
		fp += "/deleted"
	}
	prev, ok := st.seen[m.ID]
	st.seen[m.ID] = fp
	return !ok || prev != fp
}

func reverse(recs []Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}
