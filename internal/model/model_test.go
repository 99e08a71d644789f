package model

import (
	"testing"
	"time"

	"github.com/matheus3301/carechat/internal/errs"
)

func TestConversationIDSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"parent-1", "sitter-9"},
		{"b", "a"},
		{"user_x", "user_y"},
	}
	for _, p := range pairs {
		ab, err := ConversationID(p[0], p[1])
		if err != nil {
			t.Fatalf("ConversationID(%q, %q) error = %v", p[0], p[1], err)
		}
		ba, err := ConversationID(p[1], p[0])
		if err != nil {
			t.Fatalf("ConversationID(%q, %q) error = %v", p[1], p[0], err)
		}
		if ab != ba {
			t.Errorf("ConversationID not symmetric: %q vs %q", ab, ba)
		}
	}

	id, _ := ConversationID("zed", "amy")
	if id != "amy_zed" {
		t.Errorf("ConversationID(zed, amy) = %q, want amy_zed", id)
	}
}

func TestConversationIDRejects(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"empty first", "", "b"},
		{"empty second", "a", ""},
		{"whitespace", "  ", "b"},
		{"same", "a", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConversationID(tt.a, tt.b)
			if !errs.Is(err, errs.InvalidArgument) {
				t.Errorf("error = %v, want InvalidArgument", err)
			}
		})
	}
}

func TestStatusRank(t *testing.T) {
	order := []Status{StatusSending, StatusSent, StatusDelivered, StatusRead}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s rank %d should exceed %s rank %d", order[i], order[i].Rank(), order[i-1], order[i-1].Rank())
		}
	}
	if StatusFailed.Rank() != 0 || StatusQueued.Rank() != 0 {
		t.Error("FAILED and QUEUED should have no rank")
	}
	if Status("BOGUS").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestCachedPageFresh(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &CachedPage{FetchedAt: t0}
	if !p.Fresh(t0.Add(4*time.Minute), 5*time.Minute) {
		t.Error("page should be fresh at t0+4m")
	}
	if p.Fresh(t0.Add(6*time.Minute), 5*time.Minute) {
		t.Error("page should be stale at t0+6m")
	}
}

func TestLoadedRangeContains(t *testing.T) {
	r := LoadedRange{Start: 0, End: 49}
	if !r.Contains(10, 20) {
		t.Error("expected [10,20] inside [0,49]")
	}
	if r.Contains(40, 60) {
		t.Error("expected [40,60] outside [0,49]")
	}
}

func TestLeaseExpired(t *testing.T) {
	t0 := time.Now()
	l := &ConnectionLease{CreatedAt: t0, LastUsed: t0}
	if l.Expired(t0.Add(29*time.Second), 30*time.Second) {
		t.Error("lease expired early")
	}
	if !l.Expired(t0.Add(30*time.Second), 30*time.Second) {
		t.Error("lease should expire at timeout")
	}
}
