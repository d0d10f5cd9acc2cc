// Package ptysup owns one pseudo-terminal and the child process attached to
// it (spec section 4.1). It is grounded on the teacher's use of creack/pty
// to stream unbuffered output from a spawned CLI tool
// (pkg/executor/claude/client.go: "Use PTY to get unbuffered output from
// Node.js") and on the scrollback/echo-suppression machinery of the
// retrieved pty-hub reference (other_examples: Hyper-Int-OrcaBot
// sandbox/internal/pty/hub.go), generalized from a multi-client WebSocket
// hub to the single in-process reader/writer/watchdog task set this core
// needs.
package ptysup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/mylxsw/asteria/log"

	"github.com/sentinel-hq/sentinel/internal/errs"
)

// bufferCap is the exact size of the rolling output buffer (spec section
// 4.1, invariant I7). It must never grow past this; the supervisor trims
// from the head as new bytes arrive.
const bufferCap = 4096

// DefaultSilenceThreshold is the default idle-watchdog silence window.
const DefaultSilenceThreshold = 2 * time.Second

// DefaultEchoWindow is the default echo-suppression window following an
// injection.
const DefaultEchoWindow = 500 * time.Millisecond

// OutputChunk is one observed slice of child output.
type OutputChunk struct {
	Data        []byte
	EchoSuspect bool
	At          time.Time
}

// IdleSignal is emitted by the idle watchdog when the buffer is non-empty
// and no output has been observed for the silence threshold.
type IdleSignal struct {
	BufferSnapshot []byte
	At             time.Time
}

// Supervisor owns one PTY and its child process.
type Supervisor struct {
	silenceThreshold time.Duration
	echoWindow       time.Duration

	cmd  *exec.Cmd
	ptmx *os.File

	outputCh chan OutputChunk
	idleCh   chan IdleSignal
	doneCh   chan struct{}
	doneOnce sync.Once
	closeOnce sync.Once

	mu                sync.Mutex
	buffer            []byte
	lastOutputAt       time.Time
	echoSuppressUntil time.Time
	idleFired         bool
	exitErr           error
	started           bool
}

// New creates a Supervisor. Zero durations fall back to the package
// defaults.
func New(silenceThreshold, echoWindow time.Duration) *Supervisor {
	if silenceThreshold <= 0 {
		silenceThreshold = DefaultSilenceThreshold
	}
	if echoWindow <= 0 {
		echoWindow = DefaultEchoWindow
	}
	return &Supervisor{
		silenceThreshold: silenceThreshold,
		echoWindow:       echoWindow,
		outputCh:         make(chan OutputChunk, 256),
		idleCh:           make(chan IdleSignal, 8),
		doneCh:           make(chan struct{}),
	}
}

// Start allocates a pty, spawns command with args/env attached to it, and
// begins the reader and idle-watchdog tasks. PTY allocation or spawn
// failure is a fatal session error — the caller (scheduler) must transition
// the owning session to CRASHED.
func (s *Supervisor) Start(ctx context.Context, command string, args []string, env []string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.mu.Lock()
	s.lastOutputAt = time.Now()
	s.mu.Unlock()

	go s.readLoop()
	go s.idleLoop()

	return nil
}

// Fd returns the PTY master file descriptor, for callers that need to
// poll it directly (the detector's TTY-blocked-on-read signal).
func (s *Supervisor) Fd() int {
	if s.ptmx == nil {
		return -1
	}
	return int(s.ptmx.Fd())
}

// Resize propagates a terminal size change to the child's controlling
// terminal.
func (s *Supervisor) Resize(rows, cols uint16) error {
	if s.ptmx == nil {
		return fmt.Errorf("pty not started")
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Output returns the asynchronous stream of observed output chunks.
func (s *Supervisor) Output() <-chan OutputChunk { return s.outputCh }

// Idle returns the idle-watchdog signal stream.
func (s *Supervisor) Idle() <-chan IdleSignal { return s.idleCh }

// Done is closed once the child has exited and the PTY has been released.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// Snapshot returns a copy of the current rolling output buffer.
func (s *Supervisor) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Inject writes bytes to the child's stdin via the pty. On success it opens
// an echo-suppression window: output observed before the window elapses is
// flagged EchoSuspect on the output stream so the detector does not treat
// an echoed injection as a new prompt (invariant I5).
func (s *Supervisor) Inject(b []byte) error {
	if s.ptmx == nil {
		return errs.ErrChildGone
	}
	if _, err := s.ptmx.Write(b); err != nil {
		if isChildGone(err) {
			return fmt.Errorf("%w: %v", errs.ErrChildGone, err)
		}
		return err
	}
	s.mu.Lock()
	s.echoSuppressUntil = time.Now().Add(s.echoWindow)
	s.mu.Unlock()
	return nil
}

// Close sends SIGTERM to the child, waits a grace period, then SIGKILLs and
// releases the pty. Safe to call multiple times and safe to call after the
// child has already exited on its own (readLoop's finish() path).
func (s *Supervisor) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
			_ = s.cmd.Process.Signal(os.Interrupt)
			done := make(chan struct{})
			go func() {
				_ = s.cmd.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = s.cmd.Process.Kill()
			}
		}
		if s.ptmx != nil {
			err = s.ptmx.Close()
		}
		s.signalDone()
	})
	return err
}

// signalDone closes doneCh exactly once, from whichever path (explicit
// Close or the reader loop's own EOF handling) reaches it first.
func (s *Supervisor) signalDone() {
	s.doneOnce.Do(func() {
		close(s.doneCh)
	})
}

func (s *Supervisor) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.observe(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || isChildGone(err) {
				s.finish()
				return
			}
			// transient read error: log and retry
			log.Debugf("ptysup: transient read error: %v", err)
			continue
		}
	}
}

func (s *Supervisor) observe(chunk []byte) {
	now := time.Now()

	s.mu.Lock()
	s.buffer = append(s.buffer, chunk...)
	if len(s.buffer) > bufferCap {
		s.buffer = s.buffer[len(s.buffer)-bufferCap:]
	}
	s.lastOutputAt = now
	s.idleFired = false
	echoSuspect := now.Before(s.echoSuppressUntil)
	s.mu.Unlock()

	select {
	case s.outputCh <- OutputChunk{Data: chunk, EchoSuspect: echoSuspect, At: now}:
	default:
		log.Warningf("ptysup: output channel full, dropping chunk of %d bytes", len(chunk))
	}
}

func (s *Supervisor) idleLoop() {
	ticker := time.NewTicker(s.silenceThreshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			silent := time.Since(s.lastOutputAt) >= s.silenceThreshold
			nonEmpty := len(s.buffer) > 0
			alreadyFired := s.idleFired
			var snap []byte
			if silent && nonEmpty && !alreadyFired {
				snap = append([]byte(nil), s.buffer...)
				s.idleFired = true
			}
			s.mu.Unlock()

			if snap != nil {
				select {
				case s.idleCh <- IdleSignal{BufferSnapshot: snap, At: time.Now()}:
				default:
				}
			}
		case <-s.doneCh:
			return
		}
	}
}

// finish runs when the reader loop observes EOF or a child-gone read error:
// the child exited on its own. It reaps the process, then routes through
// the same Close() path so an operator-initiated Close() afterward is a
// cheap no-op instead of double-closing the pty.
func (s *Supervisor) finish() {
	s.mu.Lock()
	if s.cmd != nil && s.cmd.ProcessState == nil {
		s.exitErr = s.cmd.Wait()
	}
	s.mu.Unlock()
	_ = s.Close()
}

// ExitErr returns the child's exit error, if any, valid after Done() closes.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func isChildGone(err error) bool {
	if err == nil {
		return false
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}
