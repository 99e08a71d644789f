package remote

import (
	"context"
	"fmt"
	"testing"

	"github.com/matheus3301/carechat/internal/errs"
)

func seed(t *testing.T, s Store, conv string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		rec := Record{"id": fmt.Sprintf("m%02d", i), "timestamp": int64(i * 1000), "body": "hello"}
		if _, err := s.Write(ctx, MessagesPath(conv), rec); err != nil {
			t.Fatalf("Write(m%02d) error = %v", i, err)
		}
	}
}

func ids(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

func TestMemoryReadOrderingAndCursor(t *testing.T) {
	m := NewMemory()
	seed(t, m, "a_b", 5)
	ctx := context.Background()

	recs, err := m.Read(ctx, MessagesPath("a_b"), Query{OrderBy: "timestamp", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(recs); fmt.Sprint(got) != "[m05 m04]" {
		t.Errorf("newest page = %v, want [m05 m04]", got)
	}

	cur := &Cursor{Value: 4000}
	recs, _ = m.Read(ctx, MessagesPath("a_b"), Query{OrderBy: "timestamp", Limit: 2, Cursor: cur})
	if got := ids(recs); fmt.Sprint(got) != "[m03 m02]" {
		t.Errorf("older page = %v, want [m03 m02] (cursor exclusive)", got)
	}

	recs, _ = m.Read(ctx, MessagesPath("a_b"), Query{OrderBy: "timestamp", Direction: Ascending, Cursor: &Cursor{Value: 3000}})
	if got := ids(recs); fmt.Sprint(got) != "[m04 m05]" {
		t.Errorf("newer = %v, want [m04 m05]", got)
	}
}

func TestMemoryCursorTieBreak(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"x1", "x2", "x3"} {
		if _, err := m.Write(ctx, "messages/c", Record{"id": id, "timestamp": 7}); err != nil {
			t.Fatal(err)
		}
	}
	recs, _ := m.Read(ctx, "messages/c", Query{OrderBy: "timestamp", Cursor: &Cursor{Value: 7, ID: "x3"}})
	if got := ids(recs); fmt.Sprint(got) != "[x2 x1]" {
		t.Errorf("tie-broken page = %v, want [x2 x1]", got)
	}
}

func TestMemoryWriteAssignsID(t *testing.T) {
	m := NewMemory()
	id, err := m.Write(context.Background(), "messages/a_b", Record{"body": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("Write() returned empty id")
	}
	recs, _ := m.Read(context.Background(), "messages/a_b", Query{})
	if len(recs) != 1 || recs[0].ID() != id {
		t.Errorf("read back %v, want id %s", recs, id)
	}
}

func TestMemoryUpdate(t *testing.T) {
	m := NewMemory()
	seed(t, m, "a_b", 1)
	ctx := context.Background()

	if err := m.Update(ctx, MessagePath("a_b", "m01"), map[string]any{"status": "READ", "readBy": "b"}); err != nil {
		t.Fatal(err)
	}
	recs, _ := m.Read(ctx, MessagesPath("a_b"), Query{})
	if recs[0]["status"] != "READ" || recs[0]["body"] != "hello" {
		t.Errorf("record after update = %v", recs[0])
	}

	err := m.Update(ctx, MessagePath("a_b", "nope"), map[string]any{"status": "READ"})
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("Update(missing child) error = %v, want NotFound", err)
	}

	// Documents outside a collection are created on first update.
	if err := m.Update(ctx, ConversationPath("a_b"), map[string]any{"unread.b": 0, "unread.a": 3}); err != nil {
		t.Fatal(err)
	}
	doc, _ := m.Read(ctx, ConversationPath("a_b"), Query{})
	unread, ok := doc[0]["unread"].(map[string]any)
	if !ok || unread["b"] != float64(0) || unread["a"] != float64(3) {
		t.Errorf("conversation doc = %v", doc)
	}
}

func TestMemorySubscribe(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var got []string
	unsub, err := m.Subscribe(ctx, "messages/a_b", func(r Record) { got = append(got, r.ID()) })
	if err != nil {
		t.Fatal(err)
	}
	seed(t, m, "a_b", 2)
	if err := m.Update(ctx, MessagePath("a_b", "m01"), map[string]any{"status": "DELIVERED"}); err != nil {
		t.Fatal(err)
	}
	seed(t, m, "other", 1)

	if fmt.Sprint(got) != "[m01 m02 m01]" {
		t.Errorf("changes = %v, want [m01 m02 m01]", got)
	}
	if m.Subscribers("messages/a_b") != 1 {
		t.Errorf("Subscribers = %d, want 1", m.Subscribers("messages/a_b"))
	}

	unsub()
	unsub()
	if m.Subscribers("messages/a_b") != 0 {
		t.Error("subscription survived unsubscribe")
	}
}

func TestMemoryRejectsBadPaths(t *testing.T) {
	m := NewMemory()
	for _, p := range []string{"", "/messages", "messages/", "messages//x"} {
		if _, err := m.Read(context.Background(), p, Query{}); !errs.Is(err, errs.InvalidArgument) {
			t.Errorf("Read(%q) error = %v, want InvalidArgument", p, err)
		}
	}
}

func TestMemoryCanceledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Write(ctx, "messages/a_b", Record{}); !errs.Transient(err) {
		t.Errorf("Write(canceled) error = %v, want transient", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	type msg struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
	}
	rec, err := Encode(msg{ID: "m1", Timestamp: 1700000000123})
	if err != nil {
		t.Fatal(err)
	}
	var back msg
	if err := Decode(rec, &back); err != nil {
		t.Fatal(err)
	}
	if back.Timestamp != 1700000000123 {
		t.Errorf("timestamp = %d", back.Timestamp)
	}
	if err := Decode(Record{"timestamp": "not a number"}, &back); !errs.Is(err, errs.Decode) {
		t.Errorf("Decode(bad) error = %v, want Decode", err)
	}
}
