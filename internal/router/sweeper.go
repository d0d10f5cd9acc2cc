package router

import (
	"context"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/sentinel-hq/sentinel/internal/model"
)

const sweepInterval = 10 * time.Second

// Sweeper periodically scans AWAITING_REPLY prompts whose TTL has
// elapsed and expires them, optionally injecting the kind's safe default
// when policy directs (spec section 4.8).
type Sweeper struct {
	store      Store
	routers    func(sessionID string) (*Router, bool)
	injectSafe func() bool
}

// NewSweeper builds a TTL sweeper. routers resolves a session's Router by
// ID (so safe-default injection can reuse its Supervisor/audit wiring);
// injectSafeDefault reports whether policy currently directs the sweeper
// to inject a safe default rather than merely escalate.
func NewSweeper(store Store, routers func(sessionID string) (*Router, bool), injectSafeDefault func() bool) *Sweeper {
	return &Sweeper{store: store, routers: routers, injectSafe: injectSafeDefault}
}

// Run blocks, sweeping every 10s until ctx is canceled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) {
	pending, err := sw.store.ListPendingPrompts(ctx)
	if err != nil {
		log.Errorf("sweeper: list pending prompts: %v", err)
		return
	}
	now := time.Now()
	for _, p := range pending {
		if p.Status != model.StatusAwaitingReply || !p.Expired(now) {
			continue
		}
		sw.expire(ctx, p)
	}
}

func (sw *Sweeper) expire(ctx context.Context, p model.Prompt) {
	if err := sw.store.TransitionPrompt(ctx, p.ID, model.StatusAwaitingReply, model.StatusExpired); err != nil {
		log.Warningf("sweeper: %s already left awaiting_reply: %v", p.ID, err)
		return
	}

	r, ok := sw.routers(p.SessionID)
	if !ok {
		log.Warningf("sweeper: no router for session %s, cannot escalate prompt %s", p.SessionID, p.ID)
		return
	}
	r.auditEvent(ctx, model.AuditPromptExpired, p.ID, map[string]any{"kind": p.Kind})

	if sw.injectSafe != nil && sw.injectSafe() {
		if v, ok := safeDefaults[p.Kind]; ok {
			_ = r.sup.Inject([]byte(v))
			log.Infof("sweeper: injected safe default for expired prompt %s (%s)", p.ID, p.Kind)
			return
		}
	}
	log.Warningf("sweeper: prompt %s expired with no safe default, child left waiting", p.ID)
}
