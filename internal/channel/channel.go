// Package channel implements the uniform outbound/inbound channel
// abstraction (spec section 4.7): send_prompt/send_output/send_plan/notify,
// a per-channel circuit breaker, an identity allowlist, and the ten-step
// inbound gate a reply must clear before it can reach the store's decision
// guard. Concrete transports (Telegram, Slack) implement the Channel
// interface; this package only supplies the shared guard logic.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mylxsw/asteria/log"

	"github.com/sentinel-hq/sentinel/internal/errs"
	"github.com/sentinel-hq/sentinel/internal/model"
	"github.com/sentinel-hq/sentinel/internal/policy"
)

// InboundMessage is one reply received from a channel's transport,
// awaiting the ten-step gate before it is allowed to reach the store.
type InboundMessage struct {
	Identity   string
	SessionID  string
	PromptID   string
	Nonce      string
	Body       string
	ReceivedAt time.Time
}

// Channel is the uniform interface every transport (Telegram, Slack, ...)
// implements.
type Channel interface {
	Name() string
	SendPrompt(ctx context.Context, sessionID string, p model.Prompt) (messageHandle string, err error)
	SendOutput(ctx context.Context, sessionID string, chunk []byte) error
	SendPlan(ctx context.Context, sessionID string, plan string) error
	Notify(ctx context.Context, sessionID string, event string) error
	Inbound() <-chan InboundMessage
}

// breakerState is the circuit breaker's three-state machine.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

const (
	failureThreshold = 3
	openDuration     = 30 * time.Second
)

// CircuitBreaker protects a channel's send path: three consecutive
// failures open the circuit for 30s; the first call after that window is
// let through as a half-open probe, closing the circuit on success or
// reopening it on failure (spec section 4.7).
type CircuitBreaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	openedAt    time.Time
	onStateChange func(open bool)
}

// NewCircuitBreaker creates a closed breaker. onStateChange, if non-nil,
// is called with true when the breaker opens and false when it closes,
// for audit logging.
func NewCircuitBreaker(onStateChange func(open bool)) *CircuitBreaker {
	return &CircuitBreaker{onStateChange: onStateChange}
}

// Allow reports whether a call may proceed right now, transitioning
// open->half-open once openDuration has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) >= openDuration {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// Only one probe in flight at a time; subsequent callers are
		// rejected until the probe resolves.
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker (from closed or half-open).
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	wasOpen := b.state != stateClosed
	b.state = stateClosed
	b.failures = 0
	b.mu.Unlock()

	if wasOpen && b.onStateChange != nil {
		b.onStateChange(false)
	}
}

// RecordFailure increments the failure count, opening the breaker once it
// reaches failureThreshold, or immediately reopening a half-open probe
// that failed.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	opened := false
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = time.Now()
		opened = true
	} else {
		b.failures++
		if b.failures >= failureThreshold {
			b.state = stateOpen
			b.openedAt = time.Now()
			opened = true
		}
	}
	b.mu.Unlock()

	if opened && b.onStateChange != nil {
		b.onStateChange(true)
	}
}

// Guarded wraps a Channel with its circuit breaker and a capped
// exponential backoff retry on transient send failures, so a caller sees
// either eventual success or errs.ErrChannelUnavailable.
type Guarded struct {
	inner   Channel
	breaker *CircuitBreaker
}

// NewGuarded wraps ch with a fresh circuit breaker.
func NewGuarded(ch Channel, onStateChange func(open bool)) *Guarded {
	return &Guarded{inner: ch, breaker: NewCircuitBreaker(onStateChange)}
}

func (g *Guarded) Name() string                  { return g.inner.Name() }
func (g *Guarded) Inbound() <-chan InboundMessage { return g.inner.Inbound() }

func (g *Guarded) SendPrompt(ctx context.Context, sessionID string, p model.Prompt) (string, error) {
	var handle string
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		handle, err = g.inner.SendPrompt(ctx, sessionID, p)
		return err
	})
	return handle, err
}

func (g *Guarded) SendOutput(ctx context.Context, sessionID string, chunk []byte) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.SendOutput(ctx, sessionID, chunk) })
}

func (g *Guarded) SendPlan(ctx context.Context, sessionID string, plan string) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.SendPlan(ctx, sessionID, plan) })
}

func (g *Guarded) Notify(ctx context.Context, sessionID string, event string) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.Notify(ctx, sessionID, event) })
}

// call runs op behind the circuit breaker with a capped exponential
// backoff (bounded to the caller's context, typically the 10s in-flight
// send deadline the spec requires on cancellation).
func (g *Guarded) call(ctx context.Context, op func(context.Context) error) error {
	if !g.breaker.Allow() {
		return errs.ErrChannelUnavailable
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	bo.InitialInterval = 200 * time.Millisecond

	err := backoff.Retry(func() error {
		if err := op(ctx); err != nil {
			log.Warningf("channel %s: send attempt failed: %v", g.inner.Name(), err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}

// Allowlist is a channel's set of identities permitted to reply.
type Allowlist struct {
	mu        sync.RWMutex
	identities map[string]bool
}

// NewAllowlist builds an allowlist from identities.
func NewAllowlist(identities ...string) *Allowlist {
	a := &Allowlist{identities: make(map[string]bool, len(identities))}
	for _, id := range identities {
		a.identities[id] = true
	}
	return a
}

// Allowed reports whether identity may reply.
func (a *Allowlist) Allowed(identity string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identities[identity]
}

// PromptLookup resolves a prompt by ID; satisfied by *store.Store.
type PromptLookup interface {
	GetPrompt(ctx context.Context, id string) (model.Prompt, error)
}

// RateLimiter gates an identity+channel key; satisfied by *store.Store's
// ConsumeRateToken, adapted to the fixed budget GateConfig carries.
type RateLimiter interface {
	ConsumeRateToken(ctx context.Context, key string, perMinute, burst int, now time.Time) (bool, error)
}

// GateConfig carries the state the ten-step gate needs beyond the message
// itself.
type GateConfig struct {
	Allowlist       *Allowlist
	Paused          func() bool
	RateLimiter     RateLimiter
	RatePerMinute   int
	RateBurst       int
	Prompts         PromptLookup
	Policy          func() policy.Policy
	RedactionOK     func(body string) bool
}

// Gate runs the ten-step evaluation of spec section 4.7 in the specified
// order and returns the first failing reason, or ok=true if msg clears
// every step.
func Gate(ctx context.Context, cfg GateConfig, msg InboundMessage, now time.Time) (model.ChannelRejection, bool) {
	if !cfg.Allowlist.Allowed(msg.Identity) {
		return model.RejectNotAllowlisted, false
	}
	if cfg.Paused != nil && cfg.Paused() {
		return model.RejectChannelPaused, false
	}
	allowed, err := cfg.RateLimiter.ConsumeRateToken(ctx, "inbound:"+msg.Identity, cfg.RatePerMinute, cfg.RateBurst, now)
	if err != nil || !allowed {
		return model.RejectRateLimited, false
	}
	if msg.PromptID == "" {
		return model.RejectNoSuchPrompt, false
	}
	prompt, err := cfg.Prompts.GetPrompt(ctx, msg.PromptID)
	if err != nil {
		return model.RejectNoSuchPrompt, false
	}
	if prompt.SessionID != msg.SessionID {
		return model.RejectSessionMismatch, false
	}
	if prompt.Expired(now) {
		return model.RejectPromptExpired, false
	}
	if prompt.Status != model.StatusAwaitingReply {
		return model.RejectWrongStatus, false
	}
	if cfg.Policy != nil && cfg.Policy().ForbidsInboundKind(prompt.Kind) {
		return model.RejectPolicyForbids, false
	}
	if prompt.Nonce != msg.Nonce {
		return model.RejectNonceMismatch, false
	}
	if cfg.RedactionOK != nil && !cfg.RedactionOK(msg.Body) {
		return model.RejectRedactionFailed, false
	}
	return "", true
}
