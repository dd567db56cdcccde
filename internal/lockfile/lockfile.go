// Package lockfile guards a threadline state directory against a second process.
//
// Two processes writing the same sqlite file and blob directory would race on thread snapshots,
// so every command that mutates state holds the lock for its whole run.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the lock file created inside a state directory.
const FileName = "threadline.lock"

var (
	// ErrAlreadyLocked indicates the lock is held by another process.
	ErrAlreadyLocked = errors.New("state directory is in use by another threadline process")
)

type Lock struct {
	path string
	f    *os.File
}

// AcquireStateDir creates stateDir when needed and takes its lock without blocking.
func AcquireStateDir(stateDir string) (*Lock, error) {
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, errors.New("state dir is empty")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	l, err := Acquire(filepath.Join(stateDir, FileName))
	if errors.Is(err, ErrAlreadyLocked) {
		if pid, ok := HolderPID(filepath.Join(stateDir, FileName)); ok {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyLocked, pid)
		}
	}
	return l, err
}

func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// The pid is informational only.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// HolderPID reads the pid written by the current holder.
func HolderPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
