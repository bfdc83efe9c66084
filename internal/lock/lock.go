package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError is returned when another daemon holds the profile lock.
// Stale means the recorded PID no longer maps to a live process; the
// flock itself is still held, so the holder likely forked or passed the
// descriptor on.
type LockHeldError struct {
	PID   int
	Path  string
	Since time.Time
	Stale bool
}

func (e *LockHeldError) Error() string {
	msg := fmt.Sprintf("profile lock held by PID %d", e.PID)
	if !e.Since.IsZero() {
		msg += fmt.Sprintf(" since %s", e.Since.UTC().Format(time.RFC3339))
	}
	if e.Stale {
		msg += " (recorded PID is not running)"
	}
	return msg + " (" + e.Path + ")"
}

// Lock represents an acquired profile lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire attempts to acquire an exclusive lock on the profile directory.
// Returns LockHeldError if another process already holds it.
func Acquire(profileDir string) (*Lock, error) {
	lockPath := filepath.Join(profileDir, "LOCK")

	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		// Read the holder's record for diagnostics.
		data, _ := os.ReadFile(lockPath)
		held := parseHolder(string(data))
		held.Path = lockPath
		_ = f.Close()
		return nil, held
	}

	// Write PID + timestamp.
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parseHolder(content string) *LockHeldError {
	held := &LockHeldError{}
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			held.PID, _ = strconv.Atoi(after)
		} else if after, ok := strings.CutPrefix(line, "time="); ok {
			if ts, err := time.Parse(time.RFC3339, after); err == nil {
				held.Since = ts
			}
		}
	}
	held.Stale = held.PID > 0 && !processAlive(held.PID)
	return held
}

// processAlive checks the PID with a null signal. An EPERM answer still
// means the process exists.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
