package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/api"
	"github.com/matheus3301/carechat/internal/config"
	"github.com/matheus3301/carechat/internal/lock"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/paths"
	"github.com/matheus3301/carechat/internal/remote"
)

// testHome points the profile tree at a short temp dir so socket paths stay
// under the Unix socket length limit.
func testHome(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "carechat-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("CARECHAT_HOME", dir)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RemoteURL = RemoteMemory
	cfg.ProbeURL = ""
	cfg.MaintenanceCron = ""
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)
	const profile = "test"

	app := fxtest.New(t, fx.NopLogger, Module(Params{Profile: profile, Config: testConfig()}))
	app.RequireStart()
	stopped := false
	defer func() {
		if !stopped {
			app.RequireStop()
		}
	}()

	if got := lock.Holder(paths.Dir(profile)); got != os.Getpid() {
		t.Errorf("lock holder = %d, want %d", got, os.Getpid())
	}

	c, err := api.Dial(paths.SocketPath(profile))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := c.QueueStatus(ctx)
	if err != nil {
		t.Fatalf("QueueStatus error = %v", err)
	}
	if st.IsOnline {
		t.Error("daemon without probe or persisted state should start offline")
	}

	res, err := c.Send(ctx, api.SendRequest{SenderID: "parent", RecipientID: "nurse", Body: "hello"})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if res.Status != model.StatusQueued || res.ConversationID != "nurse_parent" {
		t.Errorf("Send = %+v, want QUEUED in nurse_parent", res)
	}
	if st, _ = c.QueueStatus(ctx); st.PendingCount != 1 {
		t.Errorf("pending = %d, want 1", st.PendingCount)
	}

	if _, err := c.SetOnline(ctx, true); err != nil {
		t.Fatalf("SetOnline error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err = c.QueueStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.PendingCount == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox not drained: %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}

	msgs, err := c.GetMessages(ctx, res.ConversationID, 0, 10)
	if err != nil {
		t.Fatalf("GetMessages error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != res.ID {
		t.Fatalf("GetMessages = %+v", msgs)
	}
	if msgs[0].Status.Rank() < model.StatusSent.Rank() {
		t.Errorf("status = %s, want at least SENT", msgs[0].Status)
	}

	app.RequireStop()
	stopped = true
	if _, err := os.Stat(paths.SocketPath(profile)); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	if got := lock.Holder(paths.Dir(profile)); got != 0 {
		t.Errorf("lock holder after stop = %d, want 0", got)
	}
}

func TestModuleRejectsInvalidConfig(t *testing.T) {
	testHome(t)
	cfg := testConfig()
	cfg.Transport = "carrier-pigeon"

	app := fx.New(fx.NopLogger, Module(Params{Profile: "bad", Config: cfg}))
	if app.Err() == nil {
		t.Fatal("expected invalid transport to fail construction")
	}
}

func TestServeRemote(t *testing.T) {
	mem := remote.NewMemory()
	srv, err := serveRemote("127.0.0.1:0", mem, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = srv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := remote.NewHTTP("http://"+srv.Addr(), 5*time.Second)
	rec := remote.Record{"id": "m1", "body": "hi", "timestamp": 1}
	if _, err := client.Write(ctx, remote.MessagesPath("nurse_parent"), rec); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	got, err := mem.Read(ctx, remote.MessagesPath("nurse_parent"), remote.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0]["body"] != "hi" {
		t.Errorf("in-process store = %+v", got)
	}
}
