package sync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/cache"
	"github.com/matheus3301/carechat/internal/clock"
	"github.com/matheus3301/carechat/internal/connectivity"
	"github.com/matheus3301/carechat/internal/delivery"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/kv"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/outbox"
	"github.com/matheus3301/carechat/internal/pool"
	"github.com/matheus3301/carechat/internal/remote"
	"github.com/matheus3301/carechat/internal/store"
)

const conv = "parent_sitter"

// flakyStore fails writes while down or for the listed ids.
type flakyStore struct {
	remote.Store

	mu      sync.Mutex
	down    bool
	failIDs map[string]bool
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyStore) failID(id string, fail bool) {
	f.mu.Lock()
	if f.failIDs == nil {
		f.failIDs = make(map[string]bool)
	}
	f.failIDs[id] = fail
	f.mu.Unlock()
}

func (f *flakyStore) Write(ctx context.Context, path string, rec remote.Record) (string, error) {
	f.mu.Lock()
	fail := f.down || f.failIDs[rec.ID()]
	f.mu.Unlock()
	if fail {
		return "", errs.E(errs.Network, "remote.write", errors.New("connection reset"))
	}
	return f.Store.Write(ctx, path, rec)
}

func (f *flakyStore) Read(ctx context.Context, path string, q remote.Query) ([]remote.Record, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, errs.E(errs.Network, "remote.read", errors.New("connection refused"))
	}
	return f.Store.Read(ctx, path, q)
}

type harness struct {
	e       *Engine
	db      *store.DB
	remote  *flakyStore
	pool    *pool.Pool
	tracker *delivery.Tracker
	clock   *clock.Fake
	bus     *bus.Bus
}

type harnessOpt func(*Config, *pool.Config)

func newHarness(t *testing.T, mem *remote.Memory, opts ...harnessOpt) *harness {
	t.Helper()
	db, err := store.OpenMigrated(filepath.Join(t.TempDir(), "carechat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := Config{DeliveryDelay: -1, RetryBackoff: time.Hour}
	pcfg := pool.Config{MaxConnections: 5, ConnectionTimeout: 30 * time.Second, AcquireTimeout: time.Second}
	for _, o := range opts {
		o(&cfg, &pcfg)
	}

	logger := zap.NewNop()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := bus.New()
	rs := &flakyStore{Store: mem}
	durable := kv.NewSQLite(db)
	p := pool.New(pcfg, clk, logger)
	tr := delivery.New(db, rs, b, clk, logger)

	e := New(cfg, Deps{
		DB:         db,
		Outbox:     outbox.New(db, durable, b, clk, 3, logger),
		Pool:       p,
		Cache:      cache.New(cache.Config{PageSize: 50, TTL: 5 * time.Minute, MaxConversations: 10}, rs, nil, db.GetMessage, clk, logger),
		Tracker:    tr,
		Monitor:    connectivity.New(connectivity.Config{}, durable, b, clk, logger),
		Remote:     rs,
		Reconciler: NewReconciler(durable, rs, logger),
		Bus:        b,
		Clock:      clk,
		Logger:     logger,
	})
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return &harness{e: e, db: db, remote: rs, pool: p, tracker: tr, clock: clk, bus: b}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) status(t *testing.T, id string) model.Status {
	t.Helper()
	m, err := h.tracker.Get(context.Background(), conv, id)
	if err != nil {
		return ""
	}
	return m.Status
}

func sendReq(id, body string) SendRequest {
	return SendRequest{SenderID: "parent", RecipientID: "sitter", Body: body, ClientID: id}
}

func TestOfflineQueueRetryScenario(t *testing.T) {
	mem := remote.NewMemory()
	h := newHarness(t, mem)
	ctx := context.Background()

	res, err := h.e.Send(ctx, sendReq("m1", "see you at 5"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusQueued || res.ConversationID != conv {
		t.Fatalf("offline Send() = %+v, want QUEUED in %s", res, conv)
	}
	if st := h.e.QueueStatus(ctx); st.PendingCount != 1 || st.IsOnline {
		t.Fatalf("QueueStatus() = %+v, want 1 pending offline", st)
	}

	h.e.SetOnline(ctx, true)
	waitFor(t, "m1 drained", func() bool { return h.e.QueueStatus(ctx).PendingCount == 0 })
	if got := h.status(t, "m1"); got != model.StatusSent {
		t.Errorf("m1 status = %s, want SENT", got)
	}
	if recs, _ := mem.Read(ctx, remote.MessagesPath(conv), remote.Query{}); len(recs) != 1 {
		t.Errorf("remote has %d messages, want 1", len(recs))
	}

	h.e.SetOnline(ctx, false)
	h.remote.failID("m2", true)
	if res, _ := h.e.Send(ctx, sendReq("m2", "running late")); res.Status != model.StatusQueued {
		t.Fatalf("Send(m2) = %+v", res)
	}
	h.e.SetOnline(ctx, true)

	deadline := time.Now().Add(3 * time.Second)
	for h.e.QueueStatus(ctx).FailedCount == 0 {
		if time.Now().After(deadline) {
			t.Fatal("m2 never exhausted its retries")
		}
		if res := h.e.DrainOutbox(ctx); res.Skipped {
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitFor(t, "m2 mirrored as FAILED", func() bool { return h.status(t, "m2") == model.StatusFailed })
	st := h.e.QueueStatus(ctx)
	if st.FailedCount != 1 || st.QueuedCount != 0 || st.PendingCount != 1 {
		t.Errorf("QueueStatus() = %+v, want 1 failed", st)
	}
	if recs, _ := mem.Read(ctx, remote.MessagesPath(conv), remote.Query{}); len(recs) != 1 {
		t.Error("a failed message must never reach the remote store")
	}
	if res := h.e.DrainOutbox(ctx); res.Attempted != 0 {
		t.Errorf("FAILED entries must be excluded from drains, attempted %d", res.Attempted)
	}

	h.remote.failID("m2", false)
	if n := h.e.RetryFailed(ctx); n != 1 {
		t.Fatalf("RetryFailed() = %d, want 1", n)
	}
	waitFor(t, "requeued m2 sent", func() bool { return h.e.QueueStatus(ctx).PendingCount == 0 })
	if got := h.status(t, "m2"); got != model.StatusSent {
		t.Errorf("m2 status after retry = %s, want SENT", got)
	}
}

func TestSendOnlineSchedulesDelivery(t *testing.T) {
	mem := remote.NewMemory()
	h := newHarness(t, mem, func(c *Config, _ *pool.Config) { c.DeliveryDelay = 20 * time.Millisecond })
	ctx := context.Background()
	h.e.SetOnline(ctx, true)

	res, err := h.e.Send(ctx, sendReq("", "hello"))
	if err != nil || res.Status != model.StatusSent || res.ID == "" {
		t.Fatalf("Send() = %+v, %v", res, err)
	}
	waitFor(t, "DELIVERED", func() bool { return h.status(t, res.ID) == model.StatusDelivered })

	recs, _ := mem.Read(ctx, remote.MessagesPath(conv), remote.Query{})
	if len(recs) != 1 || recs[0]["status"] != string(model.StatusDelivered) || recs[0]["deliveredTo"] != "sitter" {
		t.Errorf("remote = %v", recs)
	}
	if h.pool.Active() != 0 {
		t.Errorf("send lease not released, active = %d", h.pool.Active())
	}
	if h.e.PendingTimers() != 0 {
		t.Error("fired timer should be forgotten")
	}
}

func TestOnlineFailureFallsBackToOutbox(t *testing.T) {
	h := newHarness(t, remote.NewMemory())
	ctx := context.Background()
	h.e.SetOnline(ctx, true)
	h.remote.setDown(true)

	res, err := h.e.Send(ctx, sendReq("m1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusQueued {
		t.Errorf("Send() status = %s, want QUEUED", res.Status)
	}
	if st := h.e.QueueStatus(ctx); st.QueuedCount != 1 {
		t.Errorf("QueueStatus() = %+v", st)
	}
}

func TestPoolTimeoutFallsBackToOutbox(t *testing.T) {
	h := newHarness(t, remote.NewMemory(), func(_ *Config, p *pool.Config) {
		p.MaxConnections = 1
		p.AcquireTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()
	h.e.SetOnline(ctx, true)
	if _, err := h.pool.Acquire(ctx, "other_pair"); err != nil {
		t.Fatal(err)
	}

	res, err := h.e.Send(ctx, sendReq("m1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusQueued {
		t.Errorf("Send() under pool exhaustion = %s, want QUEUED", res.Status)
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, remote.NewMemory())
	ctx := context.Background()
	for name, req := range map[string]SendRequest{
		"same participants": {SenderID: "parent", RecipientID: "parent", Body: "x"},
		"no recipient":      {SenderID: "parent", Body: "x"},
		"empty body":        {SenderID: "parent", RecipientID: "sitter", Body: "  "},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := h.e.Send(ctx, req); !errs.Is(err, errs.InvalidArgument) {
				t.Errorf("error = %v, want InvalidArgument", err)
			}
		})
	}
}

func TestSubscribeIngestAckAndRead(t *testing.T) {
	mem := remote.NewMemory()
	parent := newHarness(t, mem)
	sitter := newHarness(t, mem)
	ctx := context.Background()
	parent.e.SetOnline(ctx, true)
	sitter.e.SetOnline(ctx, true)

	got := make(chan model.Message, 10)
	unsub, err := sitter.e.SubscribeConversation(ctx, conv, "sitter", func(m model.Message) { got <- m })
	if err != nil {
		t.Fatal(err)
	}
	if sitter.pool.Active() != 1 || mem.Subscribers(remote.MessagesPath(conv)) != 1 {
		t.Fatal("subscription should hold a lease and a remote subscription")
	}

	res, err := parent.e.Send(ctx, sendReq("m1", "can you do friday?"))
	if err != nil || res.Status != model.StatusSent {
		t.Fatalf("Send() = %+v, %v", res, err)
	}

	select {
	case m := <-got:
		if m.ID != "m1" || m.Status != model.StatusDelivered {
			t.Errorf("handler got %s %s, want m1 DELIVERED", m.ID, m.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
	if n, _ := sitter.db.UnreadCount(ctx, conv, "sitter"); n != 1 {
		t.Errorf("sitter unread = %d, want 1", n)
	}
	recs, _ := mem.Read(ctx, remote.MessagesPath(conv), remote.Query{})
	if recs[0]["status"] != string(model.StatusDelivered) {
		t.Errorf("remote status = %v, want DELIVERED", recs[0]["status"])
	}

	n, err := sitter.e.MarkAllRead(ctx, conv, "sitter")
	if err != nil || n != 1 {
		t.Fatalf("MarkAllRead() = %d, %v", n, err)
	}
	if c, _ := sitter.db.UnreadCount(ctx, conv, "sitter"); c != 0 {
		t.Errorf("unread after MarkAllRead = %d", c)
	}
	recs, _ = mem.Read(ctx, remote.MessagesPath(conv), remote.Query{})
	if recs[0]["status"] != string(model.StatusRead) || recs[0]["readBy"] != "sitter" {
		t.Errorf("remote = %v, want READ by sitter", recs[0])
	}

	convs, err := sitter.e.ListConversations(ctx, "sitter", 10, 0)
	if err != nil || len(convs) != 1 || convs[0].ID != conv || convs[0].Unread != 0 {
		t.Errorf("ListConversations() = %+v, %v", convs, err)
	}

	unsub()
	unsub()
	if sitter.pool.Active() != 0 || mem.Subscribers(remote.MessagesPath(conv)) != 0 || sitter.e.Subscriptions() != 0 {
		t.Error("unsubscribe should release the lease and the remote subscription")
	}
}

func TestSubscriptionShared(t *testing.T) {
	mem := remote.NewMemory()
	h := newHarness(t, mem)
	ctx := context.Background()

	u1, err := h.e.SubscribeConversation(ctx, conv, "sitter", nil)
	if err != nil {
		t.Fatal(err)
	}
	u2, err := h.e.SubscribeConversation(ctx, conv, "sitter", nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.pool.Active() != 1 || mem.Subscribers(remote.MessagesPath(conv)) != 1 {
		t.Fatalf("viewers should share one lease, active = %d", h.pool.Active())
	}
	u1()
	if h.pool.Active() != 1 {
		t.Error("lease released while a viewer remains")
	}
	u2()
	if h.pool.Active() != 0 || mem.Subscribers(remote.MessagesPath(conv)) != 0 {
		t.Error("last viewer should tear down")
	}
}

func TestAcknowledge(t *testing.T) {
	mem := remote.NewMemory()
	parent := newHarness(t, mem)
	sitter := newHarness(t, mem)
	ctx := context.Background()
	parent.e.SetOnline(ctx, true)

	unsub, err := sitter.e.SubscribeConversation(ctx, conv, "sitter", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	if _, err := parent.e.Send(ctx, sendReq("m1", "hi")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ingest", func() bool { return sitter.status(t, "m1") == model.StatusDelivered })

	if ok, err := parent.e.Acknowledge(ctx, conv, "m1", "parent"); ok || err != nil {
		t.Errorf("author ack = %v, %v; want no-op", ok, err)
	}
	ok, err := sitter.e.Acknowledge(ctx, conv, "m1", "sitter")
	if !ok || err != nil {
		t.Fatalf("Acknowledge() = %v, %v", ok, err)
	}
	if ok, _ := sitter.e.Acknowledge(ctx, conv, "m1", "sitter"); ok {
		t.Error("second ack should be a no-op")
	}
	if n, _ := sitter.db.UnreadCount(ctx, conv, "sitter"); n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}
	if _, err := sitter.e.Acknowledge(ctx, conv, "missing", "sitter"); !errs.Is(err, errs.NotFound) {
		t.Errorf("unknown message error = %v, want NotFound", err)
	}
}

func TestGetMessagesFallsBackToLocal(t *testing.T) {
	h := newHarness(t, remote.NewMemory())
	ctx := context.Background()
	h.e.SetOnline(ctx, true)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.e.Send(ctx, sendReq(id, "msg "+id)); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(time.Second)
	}

	page0, err := h.e.GetMessages(ctx, conv, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	page1, err := h.e.GetMessages(ctx, conv, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page0) != 2 || len(page1) != 1 || page0[0].ID != "c" || page0[1].ID != "b" || page1[0].ID != "a" {
		t.Fatalf("pages = %v / %v", page0, page1)
	}

	older, err := h.e.GetOlder(ctx, conv, "c", 5)
	if err != nil || len(older) != 2 {
		t.Errorf("GetOlder() = %v, %v", older, err)
	}

	h.e.cache.Invalidate(ctx, conv)
	h.remote.setDown(true)
	local, err := h.e.GetMessages(ctx, conv, 0, 2)
	if err != nil {
		t.Fatalf("GetMessages() offline error = %v", err)
	}
	if len(local) != 2 || local[0].ID != "c" {
		t.Errorf("local page = %v", local)
	}
}

func TestDeleteMessage(t *testing.T) {
	mem := remote.NewMemory()
	h := newHarness(t, mem)
	ctx := context.Background()
	h.e.SetOnline(ctx, true)
	if _, err := h.e.Send(ctx, sendReq("m1", "oops")); err != nil {
		t.Fatal(err)
	}

	if err := h.e.DeleteMessage(ctx, conv, "m1", "sitter"); !errs.Is(err, errs.Permission) {
		t.Errorf("delete by recipient error = %v, want Permission", err)
	}
	if err := h.e.DeleteMessage(ctx, conv, "m1", "parent"); err != nil {
		t.Fatal(err)
	}
	msgs, err := h.e.GetMessages(ctx, conv, 0, 10)
	if err != nil || len(msgs) != 1 || !msgs[0].Deleted {
		t.Errorf("GetMessages() = %v, %v; want one soft-deleted message", msgs, err)
	}
}

func TestStopTearsDown(t *testing.T) {
	mem := remote.NewMemory()
	h := newHarness(t, mem, func(c *Config, _ *pool.Config) { c.DeliveryDelay = time.Hour })
	ctx := context.Background()
	h.e.SetOnline(ctx, true)

	if _, err := h.e.SubscribeConversation(ctx, conv, "parent", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.e.Send(ctx, sendReq("m1", "hi")); err != nil {
		t.Fatal(err)
	}
	if h.e.PendingTimers() != 1 {
		t.Fatalf("PendingTimers() = %d, want 1", h.e.PendingTimers())
	}

	h.e.Stop()
	if h.e.PendingTimers() != 0 || h.pool.Active() != 0 || mem.Subscribers(remote.MessagesPath(conv)) != 0 {
		t.Error("Stop should cancel timers, leases and subscriptions")
	}
	if _, err := h.e.SubscribeConversation(ctx, conv, "parent", nil); !errs.Is(err, errs.Unavailable) {
		t.Errorf("subscribe after Stop error = %v, want Unavailable", err)
	}
}

func TestUnsubscribeStopsTimers(t *testing.T) {
	h := newHarness(t, remote.NewMemory(), func(c *Config, _ *pool.Config) { c.DeliveryDelay = time.Hour })
	ctx := context.Background()
	h.e.SetOnline(ctx, true)

	unsub, err := h.e.SubscribeConversation(ctx, conv, "parent", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.e.Send(ctx, sendReq("m1", "hi")); err != nil {
		t.Fatal(err)
	}
	unsub()
	if h.e.PendingTimers() != 0 {
		t.Error("tearing down the conversation should stop its timers")
	}
}

func TestRetriedSendKeepsOriginalTimestamp(t *testing.T) {
	mem := remote.NewMemory()
	h := newHarness(t, mem)
	ctx := context.Background()
	h.e.SetOnline(ctx, true)
	sentAt := h.clock.Now().UnixMilli()

	h.remote.setDown(true)
	res, err := h.e.Send(ctx, sendReq("m1", "pickup at 3?"))
	if err != nil || res.Status != model.StatusQueued {
		t.Fatalf("Send() = %+v, %v; want QUEUED", res, err)
	}
	if got := h.status(t, "m1"); got != "" {
		t.Errorf("queued message has a local %s copy, want none", got)
	}

	h.clock.Advance(5 * time.Minute)
	reply, err := remote.Encode(model.Message{
		ID: "r1", ConversationID: conv, SenderID: "sitter", RecipientID: "parent",
		Timestamp: h.clock.Now().UnixMilli(), Body: "yes", Status: model.StatusSent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Write(ctx, remote.MessagesPath(conv), reply); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(5 * time.Minute)
	h.remote.setDown(false)
	waitFor(t, "m1 drained", func() bool {
		h.e.DrainOutbox(ctx)
		return h.e.QueueStatus(ctx).PendingCount == 0
	})

	local, err := h.tracker.Get(ctx, conv, "m1")
	if err != nil {
		t.Fatal(err)
	}
	recs, err := mem.Read(ctx, remote.MessagesPath(conv), remote.Query{OrderBy: "timestamp"})
	if err != nil {
		t.Fatal(err)
	}
	var remoteTS int64 = -1
	for _, rec := range recs {
		if rec.ID() == "m1" {
			var m model.Message
			if err := remote.Decode(rec, &m); err != nil {
				t.Fatal(err)
			}
			remoteTS = m.Timestamp
		}
	}
	if local.Timestamp != sentAt || remoteTS != sentAt {
		t.Errorf("timestamps local=%d remote=%d, want both %d", local.Timestamp, remoteTS, sentAt)
	}

	h.e.cache.Invalidate(ctx, conv)
	newer, err := h.e.GetNewer(ctx, conv, "m1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(newer) != 1 || newer[0].ID != "r1" {
		t.Errorf("GetNewer(m1) = %v, want the reply", newer)
	}
	page, err := h.e.GetMessages(ctx, conv, 0, 10)
	if err != nil || len(page) != 2 || page[0].ID != "r1" {
		t.Fatalf("GetMessages() = %v, %v; want r1 then m1", page, err)
	}
	older, err := h.e.GetOlder(ctx, conv, "r1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 1 || older[0].ID != "m1" {
		t.Errorf("GetOlder(r1) = %v, want m1", older)
	}
}
