// Package remote is the contract with the shared real-time backing store and
// its implementations: an in-process Memory store, a REST client over
// fasthttp, and a websocket-push variant.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/matheus3301/carechat/internal/errs"
)

// Record is one document as stored remotely.
type Record map[string]any

// ID returns the record's "id" field, or "" when missing.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Direction orders a range read.
type Direction string

const (
	Descending Direction = "desc"
	Ascending  Direction = "asc"
)

// Cursor is an exclusive position in an ordered read. ID breaks ties between
// records sharing the same ordering value.
type Cursor struct {
	Value int64
	ID    string
}

// Query bounds a collection read. The zero Direction is Descending.
type Query struct {
	OrderBy   string
	Limit     int
	Cursor    *Cursor
	Direction Direction
}

// ChangeFunc receives a record after it was written or updated.
type ChangeFunc func(Record)

// Store is the remote store contract. Paths name either a collection
// ("messages/<conv>"), a child of one ("messages/<conv>/<id>"), or a
// standalone document ("conversations/<conv>").
type Store interface {
	Read(ctx context.Context, path string, q Query) ([]Record, error)
	Write(ctx context.Context, path string, rec Record) (string, error)
	Subscribe(ctx context.Context, path string, fn ChangeFunc) (func(), error)
	Update(ctx context.Context, path string, fields map[string]any) error
}

// MessagesPath is the collection holding a conversation's messages.
func MessagesPath(conversationID string) string {
	return "messages/" + conversationID
}

// MessagePath addresses one message.
func MessagePath(conversationID, id string) string {
	return "messages/" + conversationID + "/" + id
}

// ConversationPath addresses a conversation's metadata document.
func ConversationPath(conversationID string) string {
	return "conversations/" + conversationID
}

// Encode converts v into a Record through its JSON representation.
func Encode(v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.E(errs.InvalidArgument, "remote.encode", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errs.E(errs.InvalidArgument, "remote.encode", err)
	}
	return rec, nil
}

// Decode fills v from rec.
func Decode(rec Record, v any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.E(errs.Decode, "remote.decode", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.E(errs.Decode, "remote.decode", err)
	}
	return nil
}

func splitPath(path string) (parent, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func validPath(op, path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return errs.Errorf(errs.InvalidArgument, op, "bad path %q", path)
	}
	return nil
}

// toInt64 reads a numeric field regardless of how JSON decoding typed it.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// setField assigns value at a dotted field path, creating nested maps.
func setField(rec Record, field string, value any) {
	parts := strings.Split(field, ".")
	cur := map[string]any(rec)
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return errs.E(errs.Unavailable, op, fmt.Errorf("context: %w", err))
	}
	return nil
}
