package remote

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/matheus3301/carechat/internal/errs"
)

// Memory is an in-process Store. Records are normalized through JSON on the
// way in, so numbers read back as float64 exactly as they would over HTTP.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
	docs        map[string]Record
	subs        map[string]map[int]ChangeFunc
	nextSub     int
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]Record),
		docs:        make(map[string]Record),
		subs:        make(map[string]map[int]ChangeFunc),
	}
}

func (m *Memory) Read(ctx context.Context, path string, q Query) ([]Record, error) {
	if err := validPath("remote.read", path); err != nil {
		return nil, err
	}
	if err := ctxErr(ctx, "remote.read"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if doc, ok := m.docs[path]; ok {
		return []Record{clone(doc)}, nil
	}
	coll := m.collections[path]
	out := make([]Record, 0, len(coll))
	for _, rec := range coll {
		out = append(out, rec)
	}
	out = applyQuery(out, q)
	for i := range out {
		out[i] = clone(out[i])
	}
	return out, nil
}

// applyQuery sorts records by q.OrderBy (ties broken by id), drops those at
// or before the cursor, and truncates to q.Limit.
func applyQuery(recs []Record, q Query) []Record {
	asc := q.Direction == Ascending
	key := func(r Record) int64 {
		if q.OrderBy == "" {
			return 0
		}
		v, _ := toInt64(r[q.OrderBy])
		return v
	}
	less := func(a, b Record) bool {
		ka, kb := key(a), key(b)
		if ka != kb {
			return ka < kb
		}
		return a.ID() < b.ID()
	}
	sort.Slice(recs, func(i, j int) bool {
		if asc {
			return less(recs[i], recs[j])
		}
		return less(recs[j], recs[i])
	})

	if c := q.Cursor; c != nil {
		kept := recs[:0]
		for _, r := range recs {
			k := key(r)
			var after bool
			if asc {
				after = k > c.Value || (c.ID != "" && k == c.Value && r.ID() > c.ID)
			} else {
				after = k < c.Value || (c.ID != "" && k == c.Value && r.ID() < c.ID)
			}
			if after {
				kept = append(kept, r)
			}
		}
		recs = kept
	}
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	return recs
}

func (m *Memory) Write(ctx context.Context, path string, rec Record) (string, error) {
	if err := validPath("remote.write", path); err != nil {
		return "", err
	}
	if err := ctxErr(ctx, "remote.write"); err != nil {
		return "", err
	}
	norm, err := normalize(rec)
	if err != nil {
		return "", errs.E(errs.InvalidArgument, "remote.write", err)
	}
	id := norm.ID()
	if id == "" {
		id = uuid.NewString()
		norm["id"] = id
	}

	m.mu.Lock()
	coll, ok := m.collections[path]
	if !ok {
		coll = make(map[string]Record)
		m.collections[path] = coll
	}
	coll[id] = norm
	fns := m.subscribers(path)
	m.mu.Unlock()

	notify(fns, norm)
	return id, nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := validPath("remote.update", path); err != nil {
		return err
	}
	if err := ctxErr(ctx, "remote.update"); err != nil {
		return err
	}
	norm, err := normalize(fields)
	if err != nil {
		return errs.E(errs.InvalidArgument, "remote.update", err)
	}

	parent, id := splitPath(path)

	m.mu.Lock()
	var (
		target    Record
		notifyFor string
	)
	if coll, ok := m.collections[parent]; ok {
		target, ok = coll[id]
		if !ok {
			m.mu.Unlock()
			return errs.Errorf(errs.NotFound, "remote.update", "no record at %q", path)
		}
		notifyFor = parent
	} else {
		target, ok = m.docs[path]
		if !ok {
			target = Record{}
			m.docs[path] = target
		}
		notifyFor = path
	}
	for k, v := range norm {
		setField(target, k, v)
	}
	snapshot := clone(target)
	fns := m.subscribers(notifyFor)
	m.mu.Unlock()

	notify(fns, snapshot)
	return nil
}

// Subscribe registers fn for changes under path. The subscription ends when
// the returned func is called or ctx is done.
func (m *Memory) Subscribe(ctx context.Context, path string, fn ChangeFunc) (func(), error) {
	if err := validPath("remote.subscribe", path); err != nil {
		return nil, err
	}
	if err := ctxErr(ctx, "remote.subscribe"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.subs[path] == nil {
		m.subs[path] = make(map[int]ChangeFunc)
	}
	m.subs[path][id] = fn
	m.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[path], id)
			if len(m.subs[path]) == 0 {
				delete(m.subs, path)
			}
			m.mu.Unlock()
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			unsub()
		}()
	}
	return unsub, nil
}

// Subscribers returns the number of live subscriptions on path.
func (m *Memory) Subscribers(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[path])
}

func (m *Memory) subscribers(path string) []ChangeFunc {
	fns := make([]ChangeFunc, 0, len(m.subs[path]))
	for _, fn := range m.subs[path] {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []ChangeFunc, rec Record) {
	for _, fn := range fns {
		fn(clone(rec))
	}
}

func normalize(v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = Record{}
	}
	return rec, nil
}

func clone(rec Record) Record {
	out, err := normalize(rec)
	if err != nil {
		return Record{}
	}
	return out
}
