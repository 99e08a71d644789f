package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRecordsOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles", "main")
	before := time.Now().Add(-time.Second)

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	o, err := ReadOwner(dir)
	if err != nil {
		t.Fatalf("ReadOwner() error = %v", err)
	}
	if o.PID != os.Getpid() {
		t.Errorf("owner pid = %d, want %d", o.PID, os.Getpid())
	}
	if o.Since.Before(before) {
		t.Errorf("owner since = %v, want after %v", o.Since, before)
	}
	if Holder(dir) != os.Getpid() {
		t.Errorf("Holder() = %d", Holder(dir))
	}
}

func TestSecondAcquireReportsHolder(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Release() }()

	_, err = Acquire(dir)
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire() error = %T %v, want *HeldError", err, err)
	}
	if held.Owner.PID != os.Getpid() {
		t.Errorf("held by %d, want %d", held.Owner.PID, os.Getpid())
	}
	if held.Path != filepath.Join(dir, "LOCK") {
		t.Errorf("path = %q", held.Path)
	}
}

func TestReleaseFreesProfile(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if Holder(dir) != 0 {
		t.Errorf("Holder() after release = %d, want 0", Holder(dir))
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = again.Release()
}

func TestReadOwnerMissing(t *testing.T) {
	if _, err := ReadOwner(t.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadOwner() error = %v, want ErrNotExist", err)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}
