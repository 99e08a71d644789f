package sync

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/kv"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/remote"
)

// CheckpointPrefix prefixes per-conversation sync checkpoints; the
// conversation id follows.
const CheckpointPrefix = "sync.checkpoint."

const catchUpBatch = 100

type checkpoint struct {
	Timestamp int64 `json:"timestamp"`
}

// Reconciler manages per-conversation sync checkpoints: the newest message
// timestamp ingested. CatchUp replays what the remote store gained since.
type Reconciler struct {
	kv     kv.Store
	remote remote.Store
	logger *zap.Logger
	batch  int

	mu sync.Mutex
}

// NewReconciler creates a reconciler persisting checkpoints in store.
func NewReconciler(store kv.Store, rs remote.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{kv: store, remote: rs, logger: logger, batch: catchUpBatch}
}

// Checkpoint returns the conversation's checkpoint, 0 when none was recorded.
func (r *Reconciler) Checkpoint(ctx context.Context, conv string) (int64, error) {
	var cp checkpoint
	err := kv.GetJSON(ctx, r.kv, CheckpointPrefix+conv, &cp)
	switch {
	case err == nil:
		return cp.Timestamp, nil
	case errs.Is(err, errs.NotFound):
		return 0, nil
	case errs.Is(err, errs.Decode):
		r.logger.Warn("dropping malformed checkpoint", zap.String("conversation_id", conv), zap.Error(err))
		return 0, r.kv.Delete(ctx, CheckpointPrefix+conv)
	default:
		return 0, err
	}
}

// UpdateCheckpoint moves the checkpoint to ts. It never moves backwards.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, conv string, ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.Checkpoint(ctx, conv)
	if err != nil {
		return err
	}
	if ts <= cur {
		return nil
	}
	return kv.PutJSON(ctx, r.kv, CheckpointPrefix+conv, checkpoint{Timestamp: ts})
}

// Checkpoints lists every conversation with a checkpoint.
func (r *Reconciler) Checkpoints(ctx context.Context) (map[string]int64, error) {
	keys, err := r.kv.Keys(ctx, CheckpointPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		conv := strings.TrimPrefix(k, CheckpointPrefix)
		ts, err := r.Checkpoint(ctx, conv)
		if err != nil {
			return nil, err
		}
		out[conv] = ts
	}
	return out, nil
}

// CatchUp hands h every remote message at or after the checkpoint, oldest
// first, and returns how many it replayed. Messages at the checkpoint
// timestamp are replayed too since ingest is idempotent. A conversation with
// no checkpoint has nothing to catch up on.
func (r *Reconciler) CatchUp(ctx context.Context, conv string, h remote.MessageHandler) (int, error) {
	since, err := r.Checkpoint(ctx, conv)
	if err != nil || since == 0 {
		return 0, err
	}
	cursor := &remote.Cursor{Value: since - 1}
	var n int
	for {
		recs, err := r.remote.Read(ctx, remote.MessagesPath(conv), remote.Query{
			OrderBy:   "timestamp",
			Limit:     r.batch,
			Cursor:    cursor,
			Direction: remote.Ascending,
		})
		if err != nil {
			return n, err
		}
		before := cursor
		for _, rec := range recs {
			var m model.Message
			if err := remote.Decode(rec, &m); err != nil {
				r.logger.Warn("skipping undecodable message",
					zap.String("conversation_id", conv), zap.String("id", rec.ID()), zap.Error(err))
				continue
			}
			h(m)
			n++
			cursor = &remote.Cursor{Value: m.Timestamp, ID: m.ID}
		}
		if len(recs) < r.batch || cursor == before {
			return n, nil
		}
	}
}
