// Package kv is the durable key-value tier used for cache payloads,
// connection status and the outbox export.
package kv

import (
	"context"

	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/store"
)

// Store is a durable byte-oriented key-value store. Get returns an error of
// kind errs.NotFound for a missing key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// SQLite stores keys in the kv table of the app database.
type SQLite struct {
	db *store.DB
}

// NewSQLite returns a Store backed by db.
func NewSQLite(db *store.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok, err := s.db.GetKV(ctx, key)
	if err != nil {
		return nil, errs.E(errs.Internal, "kv.get", err)
	}
	if !ok {
		return nil, errs.Errorf(errs.NotFound, "kv.get", "key %q", key)
	}
	return v, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	if err := s.db.PutKV(ctx, key, value); err != nil {
		return errs.E(errs.Internal, "kv.put", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if err := s.db.DeleteKV(ctx, key); err != nil {
		return errs.E(errs.Internal, "kv.delete", err)
	}
	return nil
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.db.KVKeys(ctx, prefix)
	if err != nil {
		return nil, errs.E(errs.Internal, "kv.keys", err)
	}
	return keys, nil
}
