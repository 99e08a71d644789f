// Package delivery tracks each message through the delivery state machine
// SENDING -> SENT -> DELIVERED -> READ, with FAILED as a terminal branch off
// SENDING, and keeps the local and remote copies of the status in step.
package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/clock"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/remote"
	"github.com/matheus3301/carechat/internal/store"
)

// StatusChange is the payload of a message.status event.
type StatusChange struct {
	From  model.Status `json:"from"`
	To    model.Status `json:"to"`
	Actor string       `json:"actor,omitempty"`
}

// Applied reports what ApplyRemote did with an observed message.
type Applied struct {
	Created  bool
	Advanced bool
	Deleted  bool
}

// Changed reports whether the local copy was modified.
func (a Applied) Changed() bool { return a.Created || a.Advanced || a.Deleted }

// Tracker is the only writer of message status. Writes to one conversation
// are serialized; different conversations proceed concurrently.
type Tracker struct {
	db     *store.DB
	remote remote.Store
	bus    *bus.Bus
	clock  clock.Clock
	logger *zap.Logger
	locks  *keyedMutex
}

// New creates a tracker. remote may be nil for a local-only tracker.
func New(db *store.DB, rs remote.Store, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, remote: rs, bus: b, clock: clk, logger: logger, locks: newKeyedMutex()}
}

// CanTransition reports whether a message may move from one status to
// another. Forward moves only; FAILED is reachable from SENDING alone and is
// terminal.
func CanTransition(from, to model.Status) bool {
	if from == to || !to.Valid() || to == model.StatusQueued {
		return false
	}
	if from == model.StatusFailed {
		return false
	}
	if to == model.StatusFailed {
		return from == model.StatusSending
	}
	return to.Rank() > from.Rank()
}

// Get returns a stored message.
func (t *Tracker) Get(ctx context.Context, conv, id string) (*model.Message, error) {
	m, err := t.db.GetMessage(ctx, conv, id)
	if err != nil {
		return nil, errs.E(errs.Internal, "delivery.get", err)
	}
	if m == nil {
		return nil, errs.Errorf(errs.NotFound, "delivery.get", "message %q in %q", id, conv)
	}
	return m, nil
}

// Begin records msg locally as SENDING before it is written remotely. A
// message left FAILED by an earlier attempt is revived; this is the only way
// out of FAILED. A message that already moved past SENDING is left alone.
func (t *Tracker) Begin(ctx context.Context, msg model.Message) error {
	unlock := t.locks.Lock(msg.ConversationID)
	defer unlock()

	existing, err := t.db.GetMessage(ctx, msg.ConversationID, msg.ID)
	if err != nil {
		return errs.E(errs.Internal, "delivery.begin", err)
	}
	from := model.Status("")
	if existing != nil {
		from = existing.Status
		if from != model.StatusFailed && from.Rank() >= model.StatusSending.Rank() {
			return nil
		}
	}
	msg.Status = model.StatusSending
	msg.StatusOwner = msg.SenderID
	if err := t.db.UpsertMessage(ctx, &msg); err != nil {
		return errs.E(errs.Internal, "delivery.begin", err)
	}
	t.publish(msg.ConversationID, msg.ID, from, model.StatusSending, msg.SenderID)
	return nil
}

// Abandon undoes Begin after a send attempt failed: the local row is removed
// while it is still SENDING, so a message waiting in the outbox has no local
// copy until it is sent or marked FAILED.
func (t *Tracker) Abandon(ctx context.Context, conv, id string) error {
	unlock := t.locks.Lock(conv)
	defer unlock()

	if _, err := t.db.DeleteMessageInStatus(ctx, conv, id, model.StatusSending); err != nil {
		return errs.E(errs.Internal, "delivery.abandon", err)
	}
	return nil
}

// Stamp applies the bookkeeping of moving m to status to on behalf of actor.
// It does not check the transition.
func Stamp(m *model.Message, to model.Status, actor string, now time.Time) {
	ms := now.UnixMilli()
	switch to {
	case model.StatusSent:
		m.SentAt, m.SentBy = ms, actor
	case model.StatusDelivered:
		m.DeliveredAt, m.DeliveredTo = ms, actor
	case model.StatusRead:
		if m.DeliveredAt == 0 {
			m.DeliveredAt, m.DeliveredTo = ms, actor
		}
		m.ReadAt, m.ReadBy = ms, actor
	}
	m.Status = to
	m.StatusOwner = actor
}

// Advance moves a message to status to. Regressions, repeats and illegal
// moves are no-ops that return false. The local write is authoritative; when
// the remote write fails the transition stays applied and the error is
// returned for the caller to log. FAILED is never written remotely.
func (t *Tracker) Advance(ctx context.Context, conv, id string, to model.Status, actor string) (bool, error) {
	unlock := t.locks.Lock(conv)
	defer unlock()

	m, err := t.db.GetMessage(ctx, conv, id)
	if err != nil {
		return false, errs.E(errs.Internal, "delivery.advance", err)
	}
	if m == nil {
		return false, errs.Errorf(errs.NotFound, "delivery.advance", "message %q in %q", id, conv)
	}
	from := m.Status
	if !CanTransition(from, to) {
		t.logger.Debug("ignoring status transition",
			zap.String("conversation_id", conv), zap.String("id", id),
			zap.String("from", string(from)), zap.String("to", string(to)))
		return false, nil
	}

	Stamp(m, to, actor, t.clock.Now())
	if err := t.db.UpsertMessage(ctx, m); err != nil {
		return false, errs.E(errs.Internal, "delivery.advance", err)
	}
	t.publish(conv, id, from, to, actor)

	if to == model.StatusFailed || t.remote == nil {
		return true, nil
	}
	if err := t.remote.Update(ctx, remote.MessagePath(conv, id), statusFields(m)); err != nil {
		return true, fmt.Errorf("sync status %s of %s: %w", to, id, err)
	}
	return true, nil
}

// ApplyRemote stores a message observed on the remote store. Unknown
// messages are inserted; known ones take the remote status only if it moves
// forward, so late or duplicated events are harmless. A remote soft delete
// is always kept.
func (t *Tracker) ApplyRemote(ctx context.Context, msg model.Message) (Applied, error) {
	if msg.ConversationID == "" || msg.ID == "" {
		return Applied{}, errs.Errorf(errs.InvalidArgument, "delivery.apply_remote", "message without conversation or id")
	}
	if !msg.Status.Valid() || msg.Status == model.StatusQueued || msg.Status == model.StatusFailed {
		return Applied{}, errs.Errorf(errs.InvalidArgument, "delivery.apply_remote", "status %q", msg.Status)
	}

	unlock := t.locks.Lock(msg.ConversationID)
	defer unlock()

	existing, err := t.db.GetMessage(ctx, msg.ConversationID, msg.ID)
	if err != nil {
		return Applied{}, errs.E(errs.Internal, "delivery.apply_remote", err)
	}
	if existing == nil {
		if err := t.db.UpsertMessage(ctx, &msg); err != nil {
			return Applied{}, errs.E(errs.Internal, "delivery.apply_remote", err)
		}
		return Applied{Created: true}, nil
	}

	advanced := CanTransition(existing.Status, msg.Status)
	deleted := msg.Deleted && !existing.Deleted
	if !advanced && !deleted {
		return Applied{}, nil
	}
	from := existing.Status
	if advanced {
		existing.Status = msg.Status
		existing.StatusOwner = msg.StatusOwner
		existing.SentAt = firstNonZero(msg.SentAt, existing.SentAt)
		existing.DeliveredAt = firstNonZero(msg.DeliveredAt, existing.DeliveredAt)
		existing.ReadAt = firstNonZero(msg.ReadAt, existing.ReadAt)
		existing.SentBy = firstNonEmpty(msg.SentBy, existing.SentBy)
		existing.DeliveredTo = firstNonEmpty(msg.DeliveredTo, existing.DeliveredTo)
		existing.ReadBy = firstNonEmpty(msg.ReadBy, existing.ReadBy)
	}
	if deleted {
		existing.Deleted = true
	}
	if err := t.db.UpsertMessage(ctx, existing); err != nil {
		return Applied{}, errs.E(errs.Internal, "delivery.apply_remote", err)
	}
	if advanced {
		t.publish(msg.ConversationID, msg.ID, from, msg.Status, msg.StatusOwner)
	}
	return Applied{Advanced: advanced, Deleted: deleted}, nil
}

// MarkAllRead moves every unread message in conv not authored by reader to
// READ and zeroes reader's unread counter in the same local transaction,
// then syncs both remotely. It returns the number of messages marked.
func (t *Tracker) MarkAllRead(ctx context.Context, conv, reader string) (int, error) {
	if conv == "" || reader == "" {
		return 0, errs.Errorf(errs.InvalidArgument, "delivery.mark_all_read", "conversation and reader are required")
	}
	unlock := t.locks.Lock(conv)
	defer unlock()

	msgs, err := t.db.UnreadMessages(ctx, conv, reader)
	if err != nil {
		return 0, errs.E(errs.Internal, "delivery.mark_all_read", err)
	}
	from := make([]model.Status, len(msgs))
	now := t.clock.Now()
	for i := range msgs {
		from[i] = msgs[i].Status
		Stamp(&msgs[i], model.StatusRead, reader, now)
	}
	if err := t.db.MarkRead(ctx, conv, reader, msgs); err != nil {
		return 0, errs.E(errs.Internal, "delivery.mark_all_read", err)
	}
	for i := range msgs {
		t.publish(conv, msgs[i].ID, from[i], model.StatusRead, reader)
	}

	if t.remote == nil {
		return len(msgs), nil
	}
	var firstErr error
	for i := range msgs {
		if err := t.remote.Update(ctx, remote.MessagePath(conv, msgs[i].ID), statusFields(&msgs[i])); err != nil {
			t.logger.Warn("failed to sync read status",
				zap.String("conversation_id", conv), zap.String("id", msgs[i].ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := t.remote.Update(ctx, remote.ConversationPath(conv), map[string]any{"unread." + reader: 0}); err != nil {
		t.logger.Warn("failed to sync unread counter", zap.String("conversation_id", conv), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return len(msgs), fmt.Errorf("sync read state of %s: %w", conv, firstErr)
	}
	return len(msgs), nil
}

// SoftDelete marks a message deleted locally and remotely. Messages are never
// removed.
func (t *Tracker) SoftDelete(ctx context.Context, conv, id, actor string) error {
	unlock := t.locks.Lock(conv)
	defer unlock()

	m, err := t.db.GetMessage(ctx, conv, id)
	if err != nil {
		return errs.E(errs.Internal, "delivery.soft_delete", err)
	}
	if m == nil {
		return errs.Errorf(errs.NotFound, "delivery.soft_delete", "message %q in %q", id, conv)
	}
	if m.SenderID != actor {
		return errs.Errorf(errs.Permission, "delivery.soft_delete", "%q did not author %q", actor, id)
	}
	if m.Deleted {
		return nil
	}
	m.Deleted = true
	if err := t.db.UpsertMessage(ctx, m); err != nil {
		return errs.E(errs.Internal, "delivery.soft_delete", err)
	}
	if t.remote == nil || m.Status == model.StatusFailed {
		return nil
	}
	if err := t.remote.Update(ctx, remote.MessagePath(conv, id), map[string]any{"deleted": true}); err != nil {
		return fmt.Errorf("sync delete of %s: %w", id, err)
	}
	return nil
}

func (t *Tracker) publish(conv, id string, from, to model.Status, actor string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:           bus.KindMessageStatus,
		Timestamp:      t.clock.Now(),
		ConversationID: conv,
		MessageID:      id,
		Payload:        StatusChange{From: from, To: to, Actor: actor},
	})
}

// statusFields is the partial remote update for m's current status.
func statusFields(m *model.Message) map[string]any {
	fields := map[string]any{
		"status":      m.Status,
		"statusOwner": m.StatusOwner,
	}
	if m.SentAt != 0 {
		fields["sentAt"] = m.SentAt
		fields["sentBy"] = m.SentBy
	}
	if m.DeliveredAt != 0 {
		fields["deliveredAt"] = m.DeliveredAt
		fields["deliveredTo"] = m.DeliveredTo
	}
	if m.ReadAt != 0 {
		fields["readAt"] = m.ReadAt
		fields["readBy"] = m.ReadBy
	}
	return fields
}

func firstNonZero(a, b int64) int64 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
