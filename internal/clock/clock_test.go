package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := NewFake(t0)
	f.Advance(4 * time.Minute)
	if got := f.Now().Sub(t0); got != 4*time.Minute {
		t.Errorf("elapsed = %v, want 4m", got)
	}
	f.Set(t0)
	if !f.Now().Equal(t0) {
		t.Errorf("Now() = %v, want %v", f.Now(), t0)
	}
}

func TestRealMonotonic(t *testing.T) {
	c := Real()
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Error("real clock went backwards")
	}
}
