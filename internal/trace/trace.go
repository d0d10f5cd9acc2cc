// Package trace writes the decision-trace JSONL file (spec section 3/4.6):
// one line per policy evaluation, rotated once it exceeds 10MB, keeping at
// most 3 rotated archives. Unlike the audit log, the trace is a
// diagnostic/explainability aid, not a tamper-evident record, so rotation
// dropping the oldest archive is acceptable.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mylxsw/asteria/log"

	"github.com/sentinel-hq/sentinel/internal/model"
)

const (
	maxFileBytes = 10 * 1024 * 1024
	maxArchives  = 3
)

// Writer appends DecisionTraceEntry rows to a rotating JSONL file.
type Writer struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	written int64
}

// NewWriter opens (or creates) path for appending.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("trace: create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("trace: stat %s: %w", path, err)
	}
	return &Writer{path: path, file: f, written: info.Size()}, nil
}

// Write appends one decision trace entry, rotating the file first if it
// would exceed maxFileBytes.
func (w *Writer) Write(entry model.DecisionTraceEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("trace: marshal entry: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written+int64(len(line)) > maxFileBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := w.file.Write(line)
	if err != nil {
		return fmt.Errorf("trace: write entry: %w", err)
	}
	w.written += int64(n)
	return nil
}

// rotateLocked closes the current file, shifts archives
// (path.2 -> discarded, path.1 -> path.2, path -> path.1), and opens a
// fresh empty file at path. Caller must hold w.mu.
func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("trace: close before rotate: %w", err)
	}

	oldest := fmt.Sprintf("%s.%d", w.path, maxArchives)
	_ = os.Remove(oldest)
	for i := maxArchives - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", w.path, i)
		to := fmt.Sprintf("%s.%d", w.path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				log.Errorf("trace: rotate %s -> %s: %v", from, to, err)
			}
		}
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		log.Errorf("trace: rotate %s -> %s.1: %v", w.path, w.path, err)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("trace: reopen %s after rotate: %w", w.path, err)
	}
	w.file = f
	w.written = 0
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
