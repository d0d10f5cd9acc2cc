//go:build unix

package scheduler

import (
	"fmt"
	"os"
	"syscall"
)

// flock takes an exclusive, non-blocking advisory lock on f.
func flock(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	return nil
}
