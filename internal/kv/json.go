package kv

import (
	"context"
	"encoding/json"

	"github.com/matheus3301/carechat/internal/errs"
)

// GetJSON decodes the JSON value stored under key into v. A payload that
// does not decode is reported as errs.Decode.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.E(errs.Decode, "kv.get "+key, err)
	}
	return nil
}

// PutJSON stores v under key as JSON.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.E(errs.Internal, "kv.put "+key, err)
	}
	return s.Put(ctx, key, raw)
}
