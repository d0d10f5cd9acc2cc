// Package scheduler is the process-wide orchestrator (spec section 4.9):
// single-instance lock, signal-driven cooperative cancellation, the
// store-connect -> migrate -> policy-load -> channel-init -> restart-recovery
// startup sequence, and the TTL sweeper's lifetime. Grounded on the
// teacher's cmd/server/main.go signal-handling shape, generalized from an
// HTTP server shutdown to the full daemon lifecycle.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/sentinel-hq/sentinel/internal/audit"
	"github.com/sentinel-hq/sentinel/internal/channel"
	"github.com/sentinel-hq/sentinel/internal/config"
	"github.com/sentinel-hq/sentinel/internal/model"
	"github.com/sentinel-hq/sentinel/internal/policy"
	"github.com/sentinel-hq/sentinel/internal/router"
	"github.com/sentinel-hq/sentinel/internal/store"
)

// gracePeriod is how long a cancel waits for a child to exit after
// SIGTERM before the supervisor escalates to SIGKILL.
const gracePeriod = 5 * time.Second

// Daemon owns the process-wide lifecycle: the lock, the cancellation
// event, and the shared store/policy/channel handles every session's
// router is built from.
type Daemon struct {
	lockPath string
	lock     *InstanceLock

	mu      sync.Mutex
	cancel  context.CancelFunc
	ctx     context.Context
	doneWG  sync.WaitGroup

	Store   *store.Store
	Audit   *audit.Logger
	Watcher *policy.Watcher
	Limiter *policy.Limiter
}

// New constructs a Daemon; call Start to run the startup sequence.
func New(lockPath string) *Daemon {
	return &Daemon{lockPath: lockPath, Limiter: policy.NewLimiter()}
}

// Start runs the fixed startup sequence: single-instance lock, store
// connect (which runs migrations), policy load, and returns a cancellable
// context propagated to every component. Callers are responsible for
// channel-init and restart-recovery, which need channel credentials this
// package does not hold.
func (d *Daemon) Start(cfg config.Config) (context.Context, error) {
	lock, err := Acquire(d.lockPath)
	if err != nil {
		return nil, err
	}
	d.lock = lock

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("scheduler: open store: %w", err)
	}
	d.Store = st
	d.Audit = audit.NewLogger(st)

	watcher, err := policy.NewWatcher(cfg.PolicyPath, nil)
	if err != nil {
		st.Close()
		lock.Release()
		return nil, fmt.Errorf("scheduler: load policy: %w", err)
	}
	d.Watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	d.ctx = ctx
	d.cancel = cancel

	go d.awaitSignals()

	return ctx, nil
}

// awaitSignals converts SIGINT/SIGTERM into the shared cancellation
// event every component observes via ctx.Done().
func (d *Daemon) awaitSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("scheduler: received %s, cancelling", sig)
	d.cancel()
}

// Shutdown cancels the context (if not already canceled), waits for
// registered components to finish, and releases all resources.
func (d *Daemon) Shutdown() error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	d.doneWG.Wait()

	var firstErr error
	if d.Watcher != nil {
		if err := d.Watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.lock != nil {
		if err := d.lock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Track registers a background goroutine whose completion Shutdown waits
// for. Callers should call the returned done function when the goroutine
// returns.
func (d *Daemon) Track() (done func()) {
	d.doneWG.Add(1)
	return d.doneWG.Done
}

// RestartRecovery re-notifies the bound channel for every prompt still
// AWAITING_REPLY with TTL remaining, preserving nonces, and marks any
// session left ACTIVE with no live supervisor as CRASHED (spec section
// 4.9). sendersBySession resolves a session's guarded channel by ID.
func RestartRecovery(ctx context.Context, st *store.Store, auditLogger *audit.Logger, sendersBySession func(sessionID string) (*channel.Guarded, bool)) error {
	sessions, err := st.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list active sessions for recovery: %w", err)
	}

	pending, err := st.ListPendingPrompts(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list pending prompts for recovery: %w", err)
	}

	now := time.Now()
	for _, sess := range sessions {
		for _, p := range pending {
			if p.SessionID != sess.ID || p.Status != model.StatusAwaitingReply {
				continue
			}
			if p.Expired(now) {
				continue
			}
			ch, ok := sendersBySession(sess.ID)
			if !ok {
				log.Warningf("scheduler: no channel bound for session %s, cannot re-notify prompt %s", sess.ID, p.ID)
				continue
			}
			if _, err := ch.SendPrompt(ctx, sess.ID, p); err != nil {
				log.Errorf("scheduler: restart re-notify for prompt %s failed: %v", p.ID, err)
				continue
			}
			if auditLogger != nil {
				_, _ = auditLogger.Append(ctx, model.AuditRestartRenotify, sess.ID, p.ID, map[string]any{"nonce_preserved": true})
			}
		}
	}
	return nil
}

// TerminateChild sends SIGTERM to pid and escalates to SIGKILL after
// gracePeriod if the process has not exited (spec section 5's
// cancellation behavior for supervised children).
func TerminateChild(ctx context.Context, proc *os.Process, exited <-chan struct{}) {
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(gracePeriod):
		_ = proc.Kill()
	case <-ctx.Done():
		_ = proc.Kill()
	}
}

var _ router.Store = (*store.Store)(nil) // *store.Store must keep satisfying router.Store as the daemon wires them together
