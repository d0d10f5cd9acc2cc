package scheduler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/sentinel-hq/sentinel/internal/errs"
)

// InstanceLock is a single-instance OS file lock with PID diagnostics and
// stale-lock reap (spec section 4.9): the lock file records the holding
// PID so a caller that fails to acquire it can report who holds it, and
// a lock file whose PID is no longer alive is treated as stale and
// reclaimed rather than blocking forever.
type InstanceLock struct {
	path string
	file *os.File
}

// Acquire takes the single-instance lock at path, reaping it first if the
// recorded PID is no longer running.
func Acquire(path string) (*InstanceLock, error) {
	if err := tryReapStale(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open lock file %s: %w", path, err)
	}

	if err := flock(f); err != nil {
		holder := readPID(path)
		f.Close()
		return nil, fmt.Errorf("scheduler: %w (held by pid %d)", errs.ErrAlreadyRunning, holder)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("scheduler: write pid to lock file: %w", err)
	}

	return &InstanceLock{path: path, file: f}, nil
}

// Release unlocks and removes the lock file.
func (l *InstanceLock) Release() error {
	defer os.Remove(l.path)
	return l.file.Close()
}

func readPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(b)))
	return pid
}

// tryReapStale removes path if it names a PID that is no longer alive.
// It does not take the lock itself; a racing reap is harmless since
// flock() below is still the actual arbiter.
func tryReapStale(path string) error {
	pid := readPID(path)
	if pid == 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return os.Remove(path)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return os.Remove(path)
	}
	return nil
}
