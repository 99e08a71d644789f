package maintenance

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/clock"
)

func TestInvalidCron(t *testing.T) {
	if _, err := New("every minute", nil, zap.NewNop()); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestNext(t *testing.T) {
	s, err := New("*/5 * * * *", nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 3, 1, 12, 1, 30, 0, time.UTC)
	next, err := s.Next(at)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}

func TestRunOnce(t *testing.T) {
	var calls []string
	s, err := New("", clock.Real(), zap.NewNop(),
		Task{Name: "pool", Run: func(context.Context) int { calls = append(calls, "pool"); return 2 }},
		Task{Name: "cache", Run: func(context.Context) int { calls = append(calls, "cache"); return 0 }},
	)
	if err != nil {
		t.Fatal(err)
	}
	got := s.RunOnce(context.Background())
	if got["pool"] != 2 || got["cache"] != 0 || len(calls) != 2 || calls[0] != "pool" {
		t.Errorf("RunOnce() = %v, calls = %v", got, calls)
	}
	if _, err := s.Next(time.Now()); err == nil {
		t.Error("disabled scheduler should not compute ticks")
	}

	// Start and Stop on a disabled scheduler are no-ops.
	s.Start(context.Background())
	s.Stop()
}
