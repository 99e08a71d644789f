// Package outbox holds outgoing messages durably until they are sent.
package outbox

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/clock"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/kv"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/store"
)

// ExportKey holds a JSON snapshot of every entry the outbox owns.
const ExportKey = "outbox.pending_messages"

// DefaultMaxRetries is the number of failed attempts before an entry is FAILED.
const DefaultMaxRetries = 3

// SendFunc attempts to deliver one entry to the remote store.
type SendFunc func(ctx context.Context, q model.QueuedMessage) error

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	// Skipped is set when another drain was already running. That drain
	// makes one more pass before it returns.
	Skipped   bool
	Attempted int
	Sent      int
	Retried   int
	// Exhausted lists entries that reached the retry limit during this pass.
	Exhausted []model.QueuedMessage
}

// Queue is the persistent outbox.
type Queue struct {
	db         *store.DB
	kv         kv.Store
	bus        *bus.Bus
	clock      clock.Clock
	maxRetries int
	logger     *zap.Logger

	mu             sync.Mutex
	syncInProgress bool
	rerun          bool
}

// New creates a queue over db. kv may be nil to skip the JSON export.
func New(db *store.DB, export kv.Store, b *bus.Bus, clk clock.Clock, maxRetries int, logger *zap.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:         db,
		kv:         export,
		bus:        b,
		clock:      clk,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Enqueue persists q and returns its id. A missing id is assigned here and
// stays stable across retries.
func (q *Queue) Enqueue(ctx context.Context, msg model.QueuedMessage) (string, error) {
	if strings.TrimSpace(msg.ConversationID) == "" || strings.TrimSpace(msg.SenderID) == "" {
		return "", errs.Errorf(errs.InvalidArgument, "outbox.enqueue", "conversation and sender are required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt == 0 {
		msg.EnqueuedAt = q.clock.Now().UnixMilli()
	}
	msg.Status = model.StatusQueued
	msg.RetryCount = 0
	msg.FailedAt = 0

	if err := q.db.QueueOutbox(ctx, &msg); err != nil {
		return "", errs.E(errs.Internal, "outbox.enqueue", err)
	}
	q.logger.Info("message queued", zap.String("id", msg.ID), zap.String("conversation_id", msg.ConversationID))
	q.export(ctx)
	q.publish(bus.KindOutboxEnqueued, msg.ConversationID, msg.ID, msg)
	return msg.ID, nil
}

// Drain attempts every QUEUED entry once, in enqueue order. A failed entry
// does not stop the pass. A Drain that starts while another is running
// returns immediately with Skipped set, and the running drain makes another
// pass so entries queued or requeued meanwhile are not left waiting.
func (q *Queue) Drain(ctx context.Context, send SendFunc) DrainResult {
	q.mu.Lock()
	if q.syncInProgress {
		q.rerun = true
		q.mu.Unlock()
		return DrainResult{Skipped: true}
	}
	q.syncInProgress = true
	q.mu.Unlock()

	var res DrainResult
	for {
		ok := q.drainPass(ctx, send, &res)

		q.mu.Lock()
		again := q.rerun && ok && ctx.Err() == nil
		q.rerun = false
		if !again {
			q.syncInProgress = false
		}
		q.mu.Unlock()
		if !again {
			break
		}
	}

	if res.Attempted > 0 {
		q.export(ctx)
	}
	q.publish(bus.KindOutboxDrained, "", "", res)
	return res
}

// drainPass attempts a snapshot of the QUEUED entries and adds the outcome to
// res. It returns false when the outbox could not be read.
func (q *Queue) drainPass(ctx context.Context, send SendFunc, res *DrainResult) bool {
	snapshot, err := q.db.OutboxByStatus(ctx, model.StatusQueued)
	if err != nil {
		q.logger.Error("failed to read outbox", zap.Error(err))
		return false
	}

	for _, entry := range snapshot {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++

		sendErr := send(ctx, entry)
		if sendErr == nil {
			if err := q.db.DeleteOutbox(ctx, entry.ID); err != nil {
				q.logger.Error("failed to remove sent entry", zap.Error(err), zap.String("id", entry.ID))
			}
			res.Sent++
			q.publish(bus.KindOutboxSent, entry.ConversationID, entry.ID, entry)
			continue
		}

		entry.RetryCount++
		entry.LastError = sendErr.Error()
		if entry.RetryCount >= q.maxRetries {
			entry.Status = model.StatusFailed
			entry.FailedAt = q.clock.Now().UnixMilli()
			res.Exhausted = append(res.Exhausted, entry)
			q.logger.Warn("message failed after retries",
				zap.String("id", entry.ID), zap.Int("retries", entry.RetryCount), zap.Error(sendErr))
		} else {
			res.Retried++
			q.logger.Info("send failed, will retry",
				zap.String("id", entry.ID), zap.Int("retries", entry.RetryCount), zap.Error(sendErr))
		}
		if err := q.db.RecordOutboxAttempt(ctx, &entry); err != nil {
			q.logger.Error("failed to record attempt", zap.Error(err), zap.String("id", entry.ID))
		}
		if entry.Status == model.StatusFailed {
			q.publish(bus.KindOutboxFailed, entry.ConversationID, entry.ID, entry)
		}
	}
	return true
}

// RetryFailed moves FAILED entries back to QUEUED with a fresh retry budget.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	n, err := q.db.ResetFailedOutbox(ctx)
	if err != nil {
		return 0, errs.E(errs.Internal, "outbox.retry_failed", err)
	}
	if n > 0 {
		q.logger.Info("failed messages requeued", zap.Int("count", n))
		q.export(ctx)
	}
	return n, nil
}

// ClearFailed permanently drops FAILED entries.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	n, err := q.db.ClearFailedOutbox(ctx)
	if err != nil {
		return 0, errs.E(errs.Internal, "outbox.clear_failed", err)
	}
	if n > 0 {
		q.logger.Info("failed messages cleared", zap.Int("count", n))
		q.export(ctx)
	}
	return n, nil
}

// Status derives the badge view. PendingCount covers every entry the outbox
// still owns, queued or failed.
func (q *Queue) Status(ctx context.Context, online bool) (model.QueueStatus, error) {
	c, err := q.db.CountOutbox(ctx)
	if err != nil {
		return model.QueueStatus{IsOnline: online}, errs.E(errs.Internal, "outbox.status", err)
	}
	return model.QueueStatus{
		IsOnline:     online,
		PendingCount: c.Queued + c.Failed,
		QueuedCount:  c.Queued,
		FailedCount:  c.Failed,
	}, nil
}

// Pending lists every entry the outbox owns in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]model.QueuedMessage, error) {
	entries, err := q.db.AllOutbox(ctx)
	if err != nil {
		return nil, errs.E(errs.Internal, "outbox.pending", err)
	}
	return entries, nil
}

// Failed lists FAILED entries.
func (q *Queue) Failed(ctx context.Context) ([]model.QueuedMessage, error) {
	entries, err := q.db.OutboxByStatus(ctx, model.StatusFailed)
	if err != nil {
		return nil, errs.E(errs.Internal, "outbox.failed", err)
	}
	return entries, nil
}

// Draining reports whether a drain is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.syncInProgress
}

func (q *Queue) export(ctx context.Context) {
	if q.kv == nil {
		return
	}
	entries, err := q.db.AllOutbox(ctx)
	if err != nil {
		q.logger.Warn("outbox export skipped", zap.Error(err))
		return
	}
	if entries == nil {
		entries = []model.QueuedMessage{}
	}
	if err := kv.PutJSON(ctx, q.kv, ExportKey, entries); err != nil {
		q.logger.Warn("outbox export failed", zap.Error(err))
	}
}

func (q *Queue) publish(kind, conversationID, messageID string, payload any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.Event{
		Kind:           kind,
		Timestamp:      q.clock.Now(),
		ConversationID: conversationID,
		MessageID:      messageID,
		Payload:        payload,
	})
}
