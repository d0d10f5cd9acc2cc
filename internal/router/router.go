// Package router is the orchestration heart of the supervisor (spec
// section 4.8): it drives prompts forward from detection through policy
// evaluation to dispatch, and drives replies back from an accepted
// inbound channel message through the decision guard into the child's
// stdin. It is adapted from the teacher's pkg/sdk orchestration client,
// generalized from executor-session bookkeeping to the prompt lifecycle.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mylxsw/asteria/log"

	"github.com/sentinel-hq/sentinel/internal/audit"
	"github.com/sentinel-hq/sentinel/internal/channel"
	"github.com/sentinel-hq/sentinel/internal/detector"
	"github.com/sentinel-hq/sentinel/internal/errs"
	"github.com/sentinel-hq/sentinel/internal/model"
	"github.com/sentinel-hq/sentinel/internal/policy"
	"github.com/sentinel-hq/sentinel/internal/promptfsm"
	"github.com/sentinel-hq/sentinel/internal/ptysup"
	"github.com/sentinel-hq/sentinel/internal/trace"
)

// safeDefaults maps a prompt kind to the TTL-sweeper's injected fallback
// (spec section 4.8). FREE_TEXT has no safe default: the sweeper leaves
// the child waiting and only escalates.
var safeDefaults = map[model.PromptKind]string{
	model.KindYesNo:          "n\n",
	model.KindConfirmEnter:   "\n",
	model.KindNumberedChoice: "1\n",
}

// Store is the persistence surface the router needs.
type Store interface {
	CreatePrompt(ctx context.Context, p model.Prompt) error
	GetPrompt(ctx context.Context, id string) (model.Prompt, error)
	TransitionPrompt(ctx context.Context, id string, from, to model.PromptStatus) error
	DecidePrompt(ctx context.Context, promptID, nonce string, now time.Time) (model.Prompt, error)
	RecordReply(ctx context.Context, r model.Reply) error
	ListPendingPrompts(ctx context.Context) ([]model.Prompt, error)
}

// Supervisor is the subset of ptysup.Supervisor the router injects into.
type Supervisor interface {
	Inject(b []byte) error
}

// Router wires one session's detector output and inbound channel replies
// to the store, policy evaluator, audit log, and child supervisor.
type Router struct {
	sessionID  string
	store      Store
	sup        Supervisor
	policy     func() policy.Policy
	limiter    *policy.Limiter
	audit      *audit.Logger
	tracer     *trace.Writer
	ch         *channel.Guarded
	defaultTTL int
}

// New builds a Router for one session.
func New(sessionID string, store Store, sup Supervisor, policyFn func() policy.Policy, limiter *policy.Limiter, auditLogger *audit.Logger, tracer *trace.Writer, ch *channel.Guarded, defaultTTLSeconds int) *Router {
	return &Router{
		sessionID: sessionID, store: store, sup: sup, policy: policyFn, limiter: limiter,
		audit: auditLogger, tracer: tracer, ch: ch, defaultTTL: defaultTTLSeconds,
	}
}

// HandleDetection runs the forward flow (spec section 4.8) for one
// classified prompt.
// routerFailSafeBudget bounds how many new prompts a single session may
// produce regardless of the detector's own 30s content-hash dedup (spec
// section 4.2's second dedup layer): a runaway child re-emitting
// distinct-hash output every tick must not flood the store or a bound
// channel.
var routerFailSafeBudget = policy.RateBudget{PerMinute: 5, Burst: 5}

func (r *Router) HandleDetection(ctx context.Context, det detector.Detection, sessionTag string) error {
	now := time.Now()

	active, err := r.store.ListPendingPrompts(ctx)
	if err != nil {
		log.Warningf("router: list pending prompts for active-prompt dedup failed: %v", err)
	} else {
		for _, existing := range active {
			if existing.SessionID == r.sessionID {
				log.Debugf("router: session %s already has an active prompt %s, suppressing duplicate detection", r.sessionID, existing.ID)
				return nil
			}
		}
	}

	if !r.limiter.Allow("router-failsafe:"+r.sessionID, routerFailSafeBudget, now) {
		log.Warningf("router: session %s exceeded the fail-safe detection rate, dropping prompt", r.sessionID)
		return nil
	}

	p := model.Prompt{
		ID: uuid.NewString(), SessionID: r.sessionID, CreatedAt: now, TTLSeconds: r.defaultTTL,
		Kind: det.Kind, Confidence: det.Confidence, Excerpt: det.Excerpt, Nonce: uuid.NewString(),
		Status: model.StatusCreated,
	}
	if err := r.store.CreatePrompt(ctx, p); err != nil {
		return fmt.Errorf("router: persist prompt: %w", err)
	}
	r.auditEvent(ctx, model.AuditPromptDetected, p.ID, map[string]any{"kind": p.Kind, "confidence": p.Confidence})

	if err := r.store.TransitionPrompt(ctx, p.ID, model.StatusCreated, model.StatusRouted); err != nil {
		r.fail(ctx, p.ID, model.StatusCreated, "transition to routed failed")
		return err
	}

	decision := policy.Evaluate(r.policy(), policy.EvalContext{
		Kind: p.Kind, Confidence: p.Confidence, Excerpt: p.Excerpt, SessionTag: sessionTag,
	}, now, r.limiter)

	r.auditEvent(ctx, model.AuditPolicyEvaluated, p.ID, map[string]any{"action": decision.Action, "rule_id": decision.RuleID})
	if r.tracer != nil {
		_ = r.tracer.Write(model.DecisionTraceEntry{
			Timestamp: now, PromptID: p.ID, RuleID: decision.RuleID, Action: decision.Action,
			Reason: decision.Reason, RuleEvaluations: decision.RuleEvaluations,
		})
	}

	return r.dispatch(ctx, p, decision)
}

func (r *Router) dispatch(ctx context.Context, p model.Prompt, decision model.Decision) error {
	switch decision.Action {
	case model.ActionAutoReply:
		return r.autoReply(ctx, p, decision.Value)
	case model.ActionRequireHuman, model.ActionRateLimited:
		return r.requireHuman(ctx, p)
	case model.ActionDeny:
		r.fail(ctx, p.ID, model.StatusRouted, "denied by policy")
		return nil
	default:
		r.fail(ctx, p.ID, model.StatusRouted, fmt.Sprintf("unknown action %q", decision.Action))
		return fmt.Errorf("router: unknown policy action %q", decision.Action)
	}
}

// autoReply synthesizes a POLICY-sourced reply and drives it through the
// same decide_prompt guard a human reply would use, so AUTO_REPLY and
// human replies share one code path from AWAITING_REPLY onward.
func (r *Router) autoReply(ctx context.Context, p model.Prompt, value string) error {
	if err := r.store.TransitionPrompt(ctx, p.ID, model.StatusRouted, model.StatusAwaitingReply); err != nil {
		r.fail(ctx, p.ID, model.StatusRouted, "transition to awaiting_reply failed")
		return err
	}
	decided, err := r.store.DecidePrompt(ctx, p.ID, p.Nonce, time.Now())
	if err != nil {
		r.fail(ctx, p.ID, model.StatusAwaitingReply, "decide_prompt failed for auto-reply")
		return err
	}
	return r.inject(ctx, decided, []byte(value), model.ReplySourcePolicy, "policy")
}

// requireHuman transitions to AWAITING_REPLY and routes the prompt to the
// bound channel.
func (r *Router) requireHuman(ctx context.Context, p model.Prompt) error {
	if err := r.store.TransitionPrompt(ctx, p.ID, model.StatusRouted, model.StatusAwaitingReply); err != nil {
		r.fail(ctx, p.ID, model.StatusRouted, "transition to awaiting_reply failed")
		return err
	}
	if r.ch == nil {
		log.Warningf("router: prompt %s requires human but no channel is configured", p.ID)
		return nil
	}
	if _, err := r.ch.SendPrompt(ctx, r.sessionID, p); err != nil {
		log.Errorf("router: send_prompt for %s failed: %v", p.ID, err)
		return nil
	}
	r.auditEvent(ctx, model.AuditChannelSent, p.ID, map[string]any{"kind": p.Kind})
	return nil
}

// HandleInboundReply runs the return flow (spec section 4.8) for a
// gate-accepted inbound message.
func (r *Router) HandleInboundReply(ctx context.Context, promptID, nonce string, body string) error {
	now := time.Now()
	decided, err := r.store.DecidePrompt(ctx, promptID, nonce, now)
	if err != nil {
		log.Warningf("router: decide_prompt for %s lost the race or was rejected: %v", promptID, err)
		return err
	}

	r.auditEvent(ctx, model.AuditReplyReceived, promptID, map[string]any{"source": model.ReplySourceHuman})
	if err := r.store.RecordReply(ctx, model.Reply{
		ID: uuid.NewString(), PromptID: promptID, ValueLength: len(body), Source: model.ReplySourceHuman, ReceivedAt: now,
	}); err != nil {
		return fmt.Errorf("router: record reply: %w", err)
	}

	return r.inject(ctx, decided, []byte(body), model.ReplySourceHuman, "")
}

// inject writes bytes to the child, advancing REPLY_RECEIVED -> INJECTED
// -> RESOLVED on success, or -> FAILED on a write error, per the
// cancellation invariant in spec section 5 that a prompt must never be
// left in REPLY_RECEIVED.
func (r *Router) inject(ctx context.Context, p model.Prompt, body []byte, source model.ReplySource, auditActor string) error {
	if err := r.sup.Inject(body); err != nil {
		r.fail(ctx, p.ID, model.StatusReplyReceived, "inject failed: "+err.Error())
		if !errorsIsChildGone(err) {
			return err
		}
		return nil
	}

	if err := r.store.TransitionPrompt(ctx, p.ID, model.StatusReplyReceived, model.StatusInjected); err != nil {
		return err
	}
	resolvedAt := time.Now()
	latencyMS := resolvedAt.Sub(p.CreatedAt).Milliseconds()
	if err := r.store.TransitionPrompt(ctx, p.ID, model.StatusInjected, model.StatusResolved); err != nil {
		return err
	}

	r.auditEvent(ctx, model.AuditReplyInjected, p.ID, map[string]any{"latency_ms": latencyMS, "source": source})
	return nil
}

func errorsIsChildGone(err error) bool {
	return err == errs.ErrChildGone
}

func (r *Router) fail(ctx context.Context, promptID string, from model.PromptStatus, reason string) {
	if err := r.store.TransitionPrompt(ctx, promptID, from, model.StatusFailed); err != nil {
		log.Errorf("router: failed to mark prompt %s as FAILED: %v", promptID, err)
	}
	r.auditEvent(ctx, model.AuditPromptFailed, promptID, map[string]any{"reason": reason})
}

func (r *Router) auditEvent(ctx context.Context, kind model.AuditKind, promptID string, payload map[string]any) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(ctx, kind, r.sessionID, promptID, payload); err != nil {
		log.Errorf("router: audit append %s for %s failed: %v", kind, promptID, err)
	}
}

// ptySupervisorAdapter lets *ptysup.Supervisor satisfy the Supervisor
// interface without importing ptysup's full surface into tests.
type ptySupervisorAdapter struct{ sup *ptysup.Supervisor }

func (a ptySupervisorAdapter) Inject(b []byte) error { return a.sup.Inject(b) }

// WrapSupervisor adapts a concrete *ptysup.Supervisor to the Supervisor
// interface this package depends on.
func WrapSupervisor(sup *ptysup.Supervisor) Supervisor {
	return ptySupervisorAdapter{sup: sup}
}
