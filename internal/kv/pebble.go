package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/matheus3301/carechat/internal/errs"
)

// Pebble stores keys in a Pebble LSM directory.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a Pebble store at dir.
func OpenPebble(dir string) (*Pebble, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errs.E(errs.Internal, "kv.open", err)
	}
	return &Pebble{db: db}, nil
}

// Close flushes and closes the store. Safe to call on nil receiver.
func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *Pebble) Get(_ context.Context, key string) ([]byte, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errs.Errorf(errs.NotFound, "kv.get", "key %q", key)
	}
	if err != nil {
		return nil, errs.E(errs.Internal, "kv.get", err)
	}
	defer func() { _ = closer.Close() }()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (p *Pebble) Put(_ context.Context, key string, value []byte) error {
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return errs.E(errs.Internal, "kv.put", err)
	}
	return nil
}

func (p *Pebble) Delete(_ context.Context, key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return errs.E(errs.Internal, "kv.delete", err)
	}
	return nil
}

func (p *Pebble) Keys(_ context.Context, prefix string) ([]string, error) {
	opts := &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upperBound([]byte(prefix))}
	it, err := p.db.NewIter(opts)
	if err != nil {
		return nil, errs.E(errs.Internal, "kv.keys", err)
	}
	defer func() { _ = it.Close() }()

	var keys []string
	for ok := it.First(); ok; ok = it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, errs.E(errs.Internal, "kv.keys", err)
	}
	return keys, nil
}

// upperBound returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
