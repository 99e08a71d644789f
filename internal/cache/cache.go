// Package cache serves paginated conversation history from a two-tier cache
// (memory, then durable kv) in front of the remote store.
package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/clock"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/kv"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/remote"
)

// KeyPrefix prefixes durable cache entries; the conversation id follows.
const KeyPrefix = "messages_cache."

// Config sizes the cache.
type Config struct {
	PageSize         int
	TTL              time.Duration
	MaxConversations int
}

// LookupFunc resolves a message that is not in the cache, typically from the
// local database. It returns nil when the message is unknown.
type LookupFunc func(ctx context.Context, conversationID, id string) (*model.Message, error)

// entry is one conversation's contiguous newest-first history prefix.
type entry struct {
	model.CachedPage
	// Complete is set once a fetch came back short: there is no older history.
	Complete bool `json:"complete"`
}

// Manager is the pagination and cache manager.
type Manager struct {
	cfg    Config
	remote remote.Store
	kv     kv.Store
	lookup LookupFunc
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	ranges  map[string][]model.LoadedRange
	// gens is bumped by Invalidate. A fetch that started under an older
	// generation is not stored.
	gens map[string]uint64

	// writeMu orders durable writes against Invalidate.
	writeMu sync.Mutex

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a manager. durable and lookup may be nil.
func New(cfg Config, rs remote.Store, durable kv.Store, lookup LookupFunc, clk clock.Clock, logger *zap.Logger) *Manager {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = 10
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		remote:  rs,
		kv:      durable,
		lookup:  lookup,
		clock:   clk,
		logger:  logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		ranges:  make(map[string][]model.LoadedRange),
		gens:    make(map[string]uint64),
	}
}

// GetMessagesPaginated returns page of conv's history, newest first. Page N+1
// holds messages strictly older than page N. A fresh cached prefix is served
// directly; otherwise the missing pages are fetched with an exclusive cursor
// at the oldest message already held.
func (m *Manager) GetMessagesPaginated(ctx context.Context, conv string, page, limit int) ([]model.Message, error) {
	if conv == "" || page < 0 {
		return nil, errs.Errorf(errs.InvalidArgument, "cache.get_page", "conversation %q page %d", conv, page)
	}
	if limit <= 0 {
		limit = m.cfg.PageSize
	}
	start, end := page*limit, (page+1)*limit

	gen := m.generation(conv)
	e := m.get(ctx, conv)
	if e != nil && (len(e.Messages) >= end || e.Complete) {
		m.hits.Add(1)
		return window(e.Messages, start, end), nil
	}
	m.misses.Add(1)

	var (
		held     []model.Message
		complete bool
	)
	if e != nil {
		held = e.Messages
	}
	fetchedAt := m.clock.Now()
	if e != nil {
		fetchedAt = e.FetchedAt
	}
	for len(held) < end && !complete {
		var cursor *remote.Cursor
		if n := len(held); n > 0 {
			oldest := held[n-1]
			cursor = &remote.Cursor{Value: oldest.Timestamp, ID: oldest.ID}
		}
		batch, err := m.fetch(ctx, conv, remote.Query{OrderBy: "timestamp", Limit: end - len(held), Cursor: cursor, Direction: remote.Descending})
		if err != nil {
			if len(held) > start {
				m.logger.Warn("serving partial page after fetch failure",
					zap.String("conversation_id", conv), zap.Int("page", page), zap.Error(err))
				break
			}
			return nil, err
		}
		if len(batch) < end-len(held) {
			complete = true
		}
		held = append(held, batch...)
	}

	m.put(ctx, conv, gen, &entry{
		CachedPage: model.CachedPage{
			ConversationID: conv,
			Messages:       held,
			FetchedAt:      fetchedAt,
			PageIndex:      (len(held) - 1) / limit,
		},
		Complete: complete,
	})
	out := window(held, start, end)
	if len(out) > 0 {
		m.MarkRangeLoaded(conv, start, start+len(out)-1)
	}
	return out, nil
}

// GetNextPage returns up to limit messages newer than the anchor, newest first.
func (m *Manager) GetNextPage(ctx context.Context, conv, anchorID string, limit int) ([]model.Message, error) {
	return m.anchored(ctx, conv, anchorID, limit, remote.Ascending)
}

// GetPreviousPage returns up to limit messages older than the anchor, newest first.
func (m *Manager) GetPreviousPage(ctx context.Context, conv, anchorID string, limit int) ([]model.Message, error) {
	return m.anchored(ctx, conv, anchorID, limit, remote.Descending)
}

func (m *Manager) anchored(ctx context.Context, conv, anchorID string, limit int, dir remote.Direction) ([]model.Message, error) {
	if conv == "" || anchorID == "" {
		return nil, errs.Errorf(errs.InvalidArgument, "cache.anchored", "conversation and anchor are required")
	}
	if limit <= 0 {
		limit = m.cfg.PageSize
	}
	anchor, err := m.resolve(ctx, conv, anchorID)
	if err != nil {
		return nil, err
	}
	q := remote.Query{
		OrderBy:   "timestamp",
		Limit:     limit,
		Cursor:    &remote.Cursor{Value: anchor.Timestamp, ID: anchor.ID},
		Direction: dir,
	}
	msgs, err := m.fetch(ctx, conv, q)
	if err != nil {
		return nil, err
	}
	if dir == remote.Ascending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

func (m *Manager) resolve(ctx context.Context, conv, id string) (*model.Message, error) {
	if e := m.get(ctx, conv); e != nil {
		for i := range e.Messages {
			if e.Messages[i].ID == id {
				msg := e.Messages[i]
				return &msg, nil
			}
		}
	}
	if m.lookup != nil {
		msg, err := m.lookup(ctx, conv, id)
		if err != nil {
			return nil, errs.E(errs.Internal, "cache.resolve", err)
		}
		if msg != nil {
			return msg, nil
		}
	}
	return nil, errs.Errorf(errs.NotFound, "cache.resolve", "anchor %q not found in %q", id, conv)
}

func (m *Manager) fetch(ctx context.Context, conv string, q remote.Query) ([]model.Message, error) {
	recs, err := m.remote.Read(ctx, remote.MessagesPath(conv), q)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(recs))
	for _, rec := range recs {
		var msg model.Message
		if err := remote.Decode(rec, &msg); err != nil {
			m.logger.Warn("skipping undecodable message",
				zap.String("conversation_id", conv), zap.String("id", rec.ID()), zap.Error(err))
			continue
		}
		if msg.ConversationID == "" {
			msg.ConversationID = conv
		}
		out = append(out, msg)
	}
	return out, nil
}

// CacheMessages stores msgs as page of conv using the configured page size.
// Page 0 replaces the entry; later pages extend a contiguous prefix and are
// dropped when they would leave a gap.
func (m *Manager) CacheMessages(ctx context.Context, conv string, page int, msgs []model.Message) {
	offset := page * m.cfg.PageSize
	now := m.clock.Now()
	gen := m.generation(conv)

	var held []model.Message
	fetchedAt := now
	if page > 0 {
		e := m.get(ctx, conv)
		if e == nil || len(e.Messages) < offset {
			m.logger.Debug("not caching page with a gap", zap.String("conversation_id", conv), zap.Int("page", page))
			return
		}
		held = append(held, e.Messages[:offset]...)
		fetchedAt = e.FetchedAt
	}
	held = append(held, msgs...)
	m.put(ctx, conv, gen, &entry{
		CachedPage: model.CachedPage{ConversationID: conv, Messages: held, FetchedAt: fetchedAt, PageIndex: page},
		Complete:   len(msgs) < m.cfg.PageSize,
	})
}

// GetCachedMessages returns conv's fresh cached history from memory, then the
// durable tier. ok is false on a miss.
func (m *Manager) GetCachedMessages(ctx context.Context, conv string) (msgs []model.Message, ok bool) {
	e := m.get(ctx, conv)
	if e == nil {
		return nil, false
	}
	return append([]model.Message(nil), e.Messages...), true
}

// Invalidate drops conv from both tiers so the next read revalidates.
// A fetch already in flight for conv is not stored when it completes.
func (m *Manager) Invalidate(ctx context.Context, conv string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	m.gens[conv]++
	if el, ok := m.entries[conv]; ok {
		m.lru.Remove(el)
		delete(m.entries, conv)
	}
	delete(m.ranges, conv)
	m.mu.Unlock()

	m.deleteDurable(ctx, conv)
}

func (m *Manager) generation(conv string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[conv]
}

// CleanupCache drops expired entries and evicts the least recently used
// conversations beyond MaxConversations from both tiers. It returns the
// number of conversations removed.
func (m *Manager) CleanupCache(ctx context.Context) int {
	now := m.clock.Now()
	removed := make(map[string]bool)

	m.mu.Lock()
	for el := m.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if !e.Fresh(now, m.cfg.TTL) || m.lru.Len() > m.cfg.MaxConversations {
			m.lru.Remove(el)
			delete(m.entries, e.ConversationID)
			delete(m.ranges, e.ConversationID)
			removed[e.ConversationID] = true
		}
		el = prev
	}
	m.mu.Unlock()

	for conv := range removed {
		m.deleteDurable(ctx, conv)
	}

	if m.kv != nil {
		keys, err := m.kv.Keys(ctx, KeyPrefix)
		if err != nil {
			m.logger.Warn("cache cleanup could not list durable entries", zap.Error(err))
			return len(removed)
		}
		type durable struct {
			conv      string
			fetchedAt time.Time
		}
		var kept []durable
		for _, key := range keys {
			conv := strings.TrimPrefix(key, KeyPrefix)
			if removed[conv] {
				continue
			}
			e, ok := m.loadDurable(ctx, conv)
			if !ok || !e.Fresh(now, m.cfg.TTL) {
				m.deleteDurable(ctx, conv)
				removed[conv] = true
				continue
			}
			kept = append(kept, durable{conv: conv, fetchedAt: e.FetchedAt})
		}
		for len(kept) > m.cfg.MaxConversations {
			oldest := 0
			for i := range kept {
				if kept[i].fetchedAt.Before(kept[oldest].fetchedAt) {
					oldest = i
				}
			}
			conv := kept[oldest].conv
			m.mu.Lock()
			_, inMemory := m.entries[conv]
			m.mu.Unlock()
			if !inMemory {
				m.deleteDurable(ctx, conv)
				removed[conv] = true
			}
			kept = append(kept[:oldest], kept[oldest+1:]...)
		}
	}

	if len(removed) > 0 {
		m.logger.Debug("cache cleanup", zap.Int("removed", len(removed)))
	}
	return len(removed)
}

// MarkRangeLoaded records that message indexes [start, end] of conv are loaded.
func (m *Manager) MarkRangeLoaded(conv string, start, end int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges[conv] = append(m.ranges[conv], model.LoadedRange{
		ConversationID: conv,
		Start:          start,
		End:            end,
		Timestamp:      m.clock.Now(),
	})
}

// IsRangeLoaded reports whether a single recorded range covers [start, end].
func (m *Manager) IsRangeLoaded(conv string, start, end int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ranges[conv] {
		if r.Contains(start, end) {
			return true
		}
	}
	return false
}

// LoadedRanges returns the ranges recorded for conv, overlaps included.
func (m *Manager) LoadedRanges(conv string) []model.LoadedRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LoadedRange(nil), m.ranges[conv]...)
}

// Len returns the number of conversations in the memory tier.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Stats returns cumulative hit and miss counts of GetMessagesPaginated.
func (m *Manager) Stats() (hits, misses uint64) {
	return m.hits.Load(), m.misses.Load()
}

// get returns a fresh entry from memory, or from the durable tier (promoting
// it), or nil. Stale entries are dropped on sight.
func (m *Manager) get(ctx context.Context, conv string) *entry {
	now := m.clock.Now()

	m.mu.Lock()
	if el, ok := m.entries[conv]; ok {
		e := el.Value.(*entry)
		if e.Fresh(now, m.cfg.TTL) {
			m.lru.MoveToFront(el)
			m.mu.Unlock()
			return e
		}
		m.lru.Remove(el)
		delete(m.entries, conv)
		m.mu.Unlock()
		m.deleteDurable(ctx, conv)
		return nil
	}
	gen := m.gens[conv]
	m.mu.Unlock()

	e, ok := m.loadDurable(ctx, conv)
	if !ok {
		return nil
	}
	if !e.Fresh(now, m.cfg.TTL) {
		m.deleteDurable(ctx, conv)
		return nil
	}
	if !m.promote(gen, e) {
		return nil
	}
	return e
}

// put stores e in both tiers unless conv was invalidated since gen was read.
func (m *Manager) put(ctx context.Context, conv string, gen uint64, e *entry) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !m.promote(gen, e) {
		m.logger.Debug("discarding fetch that raced an invalidation", zap.String("conversation_id", conv))
		return
	}
	if m.kv == nil {
		return
	}
	if err := kv.PutJSON(ctx, m.kv, KeyPrefix+conv, e); err != nil {
		m.logger.Warn("failed to persist cache entry", zap.String("conversation_id", conv), zap.Error(err))
	}
}

func (m *Manager) promote(gen uint64, e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gens[e.ConversationID] != gen {
		return false
	}
	if el, ok := m.entries[e.ConversationID]; ok {
		el.Value = e
		m.lru.MoveToFront(el)
	} else {
		m.entries[e.ConversationID] = m.lru.PushFront(e)
	}
	for m.lru.Len() > m.cfg.MaxConversations {
		last := m.lru.Back()
		m.lru.Remove(last)
		delete(m.entries, last.Value.(*entry).ConversationID)
	}
	return true
}

func (m *Manager) loadDurable(ctx context.Context, conv string) (*entry, bool) {
	if m.kv == nil {
		return nil, false
	}
	var e entry
	err := kv.GetJSON(ctx, m.kv, KeyPrefix+conv, &e)
	switch {
	case err == nil:
		if e.ConversationID != conv {
			m.logger.Warn("dropping mismatched cache entry", zap.String("conversation_id", conv))
			m.deleteDurable(ctx, conv)
			return nil, false
		}
		return &e, true
	case errs.Is(err, errs.NotFound):
		return nil, false
	case errs.Is(err, errs.Decode):
		m.logger.Warn("dropping malformed cache entry", zap.String("conversation_id", conv), zap.Error(err))
		m.deleteDurable(ctx, conv)
		return nil, false
	default:
		m.logger.Warn("durable cache read failed", zap.String("conversation_id", conv), zap.Error(err))
		return nil, false
	}
}

func (m *Manager) deleteDurable(ctx context.Context, conv string) {
	if m.kv == nil {
		return
	}
	if err := m.kv.Delete(ctx, KeyPrefix+conv); err != nil {
		m.logger.Warn("failed to delete cache entry", zap.String("conversation_id", conv), zap.Error(err))
	}
}

func window(msgs []model.Message, start, end int) []model.Message {
	if start >= len(msgs) {
		return []model.Message{}
	}
	if end > len(msgs) {
		end = len(msgs)
	}
	return append([]model.Message(nil), msgs[start:end]...)
}
