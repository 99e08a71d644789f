// Package lock keeps two daemons from serving the same profile.
package lock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const fileName = "LOCK"

// Owner is the daemon recorded in a lock file.
type Owner struct {
	PID   int
	Since time.Time
}

// HeldError is returned by Acquire when another process owns the profile.
type HeldError struct {
	Owner Owner
	Path  string
}

func (e *HeldError) Error() string {
	if e.Owner.Since.IsZero() {
		return fmt.Sprintf("profile locked by pid %d (%s)", e.Owner.PID, e.Path)
	}
	return fmt.Sprintf("profile locked by pid %d since %s (%s)",
		e.Owner.PID, e.Owner.Since.Format(time.RFC3339), e.Path)
}

// Lock is a held flock on a profile's LOCK file.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes a non-blocking exclusive flock on dir/LOCK and records the
// calling process as owner. The directory is created if needed.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		owner, _ := ReadOwner(dir)
		return nil, &HeldError{Owner: owner, Path: path}
	}

	if err := writeOwner(f, Owner{PID: os.Getpid(), Since: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock owner: %w", err)
	}
	return &Lock{f: f, path: path}, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	body := fmt.Sprintf("pid=%d\nsince=%s\n", o.PID, o.Since.Format(time.RFC3339))
	_, err := f.WriteAt([]byte(body), 0)
	return err
}

// ReadOwner parses dir's lock file. A missing file yields the zero Owner and
// the os error.
func ReadOwner(dir string) (Owner, error) {
	f, err := os.Open(filepath.Join(dir, fileName))
	if err != nil {
		return Owner{}, err
	}
	defer func() { _ = f.Close() }()

	var o Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(val)
		case "since":
			o.Since, _ = time.Parse(time.RFC3339, val)
		}
	}
	return o, sc.Err()
}

// Holder is the pid that owns dir's lock, or 0.
func Holder(dir string) int {
	o, _ := ReadOwner(dir)
	return o.PID
}

// Release drops the flock and removes the file. Nil and repeated calls are
// no-ops.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.f.Close()
	l.f = nil
	return err
}
