package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := E(PoolTimeout, "pool.acquire", errors.New("no capacity"))
	wrapped := fmt.Errorf("send: %w", base)

	if got := KindOf(wrapped); got != PoolTimeout {
		t.Errorf("KindOf = %v, want %v", got, PoolTimeout)
	}
	if !Is(wrapped, PoolTimeout) {
		t.Error("Is(wrapped, PoolTimeout) = false")
	}
	if KindOf(errors.New("plain")) != Other {
		t.Error("plain error should be Other")
	}
	if Is(nil, Other) {
		t.Error("nil error should not match any kind")
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Network, true},
		{Unavailable, true},
		{PoolTimeout, true},
		{Permission, false},
		{InvalidArgument, false},
		{Decode, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := Transient(E(tt.kind, "op", nil)); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := E(Network, "remote.write", errors.New("connection reset"))
	if got, want := err.Error(), "remote.write: network: connection reset"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got, want := E(NotFound, "get", nil).Error(), "get: not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
