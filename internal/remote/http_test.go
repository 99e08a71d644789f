package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/carechat/internal/errs"
)

func testServer(t *testing.T) (*Memory, *httptest.Server) {
	t.Helper()
	mem := NewMemory()
	srv := httptest.NewServer(NewHandler(mem, nil))
	t.Cleanup(srv.Close)
	return mem, srv
}

func TestHTTPRoundTrip(t *testing.T) {
	_, srv := testServer(t)
	c := NewHTTP(srv.URL, 5*time.Second)
	ctx := context.Background()

	seed(t, c, "a_b", 4)

	recs, err := c.Read(ctx, MessagesPath("a_b"), Query{OrderBy: "timestamp", Limit: 2, Cursor: &Cursor{Value: 4000}})
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(recs); fmt.Sprint(got) != "[m03 m02]" {
		t.Errorf("page = %v, want [m03 m02]", got)
	}

	if err := c.Update(ctx, MessagePath("a_b", "m02"), map[string]any{"status": "DELIVERED"}); err != nil {
		t.Fatal(err)
	}
	recs, _ = c.Read(ctx, MessagesPath("a_b"), Query{OrderBy: "timestamp", Limit: 1, Cursor: &Cursor{Value: 3000}})
	if len(recs) != 1 || recs[0]["status"] != "DELIVERED" {
		t.Errorf("after update = %v", recs)
	}
}

func TestHTTPErrorKinds(t *testing.T) {
	_, srv := testServer(t)
	c := NewHTTP(srv.URL, 5*time.Second)
	ctx := context.Background()

	seed(t, c, "a_b", 1)
	err := c.Update(ctx, "messages/a_b/missing", map[string]any{"x": 1})
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("Update(missing) error = %v, want NotFound", err)
	}

	if _, err := c.Read(ctx, "messages/a_b", Query{Direction: "sideways"}); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("Read(bad dir) error = %v, want InvalidArgument", err)
	}

	dead := NewHTTP("http://127.0.0.1:1", 500*time.Millisecond)
	if _, err := dead.Read(ctx, "messages/a_b", Query{}); !errs.Is(err, errs.Network) {
		t.Errorf("Read(unreachable) error = %v, want Network", err)
	}

	if _, err := c.Subscribe(ctx, "messages/a_b", func(Record) {}); !errs.Is(err, errs.Unavailable) {
		t.Errorf("HTTP.Subscribe error = %v, want Unavailable", err)
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code int
		want errs.Kind
	}{
		{http.StatusForbidden, errs.Permission},
		{http.StatusUnauthorized, errs.Permission},
		{http.StatusNotFound, errs.NotFound},
		{http.StatusBadRequest, errs.InvalidArgument},
		{http.StatusTooManyRequests, errs.Unavailable},
		{http.StatusBadGateway, errs.Unavailable},
		{http.StatusConflict, errs.Internal},
	}
	for _, tt := range tests {
		if got := errs.KindOf(statusError("op", tt.code, nil)); got != tt.want {
			t.Errorf("statusError(%d) kind = %v, want %v", tt.code, got, tt.want)
		}
	}
	if statusError("op", http.StatusCreated, nil) != nil {
		t.Error("2xx should not be an error")
	}
}

func TestWSStoreSubscribe(t *testing.T) {
	mem, srv := testServer(t)
	ws := NewWSStore(srv.URL, 5*time.Second)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{}, 8)
	unsub, err := ws.Subscribe(ctx, MessagesPath("a_b"), func(r Record) {
		mu.Lock()
		got = append(got, r.ID())
		mu.Unlock()
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	seed(t, ws, "a_b", 2)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for pushed change")
		}
	}
	mu.Lock()
	if fmt.Sprint(got) != "[m01 m02]" {
		t.Errorf("pushed = %v, want [m01 m02]", got)
	}
	mu.Unlock()

	unsub()
	deadline := time.Now().Add(3 * time.Second)
	for mem.Subscribers(MessagesPath("a_b")) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("server-side subscription not released after unsubscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
