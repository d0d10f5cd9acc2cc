// Package policy implements the deterministic, first-match-wins rule
// engine of spec section 4.6, plus the YAML file format and hot-reload
// watcher of spec section 6. Evaluation is a pure function over an
// immutable Policy value; only the rate-limiter carries time-based state,
// and it is injected into Evaluate explicitly rather than hidden as
// package state, to keep I9 (policy determinism) checkable in tests.
package policy

import (
	"github.com/sentinel-hq/sentinel/internal/model"
)

// RateBudget is a token-bucket budget: burst capacity refilled at
// PerMinute tokens/minute.
type RateBudget struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// DefaultRateBudget is the spec's default: 10/min, burst 3.
var DefaultRateBudget = RateBudget{PerMinute: 10, Burst: 3}

// MatchCriteria is the conjunction of criteria a rule's match evaluates
// (spec section 4.6).
type MatchCriteria struct {
	PromptTypes   []model.PromptKind `yaml:"prompt_type,omitempty"`
	MinConfidence model.Confidence   `yaml:"min_confidence,omitempty"`
	MaxConfidence model.Confidence   `yaml:"max_confidence,omitempty"`
	AnyOf         []string           `yaml:"any_of,omitempty"`
	NoneOf        []string           `yaml:"none_of,omitempty"`
	SessionTag    string             `yaml:"session_tag,omitempty"`
}

// ActionSpec is a rule's action: one of AUTO_REPLY(value), REQUIRE_HUMAN,
// DENY, or RATE_LIMIT(budget) (spec section 3).
type ActionSpec struct {
	Type   model.Action `yaml:"type"`
	Value  string       `yaml:"value,omitempty"`
	Budget *RateBudget  `yaml:"budget,omitempty"`
}

// Rule is one ordered policy rule.
type Rule struct {
	ID         string        `yaml:"id"`
	Match      MatchCriteria `yaml:"match"`
	Action     ActionSpec    `yaml:"action"`
	RateBudget *RateBudget   `yaml:"rate_budget,omitempty"`
	Extends    string        `yaml:"extends,omitempty"`
}

// Defaults controls behavior when no rule matches, or confidence is LOW.
type Defaults struct {
	NoMatch       model.Action `yaml:"no_match"`
	LowConfidence model.Action `yaml:"low_confidence"`
	SafeDefault   bool         `yaml:"safe_default"`
}

// Policy is the root of the loaded, validated policy file.
type Policy struct {
	Version      int                `yaml:"policy_version"`
	AutonomyMode model.AutonomyMode `yaml:"autonomy_mode"`
	Rules        []Rule             `yaml:"rules"`
	Defaults     Defaults           `yaml:"defaults"`

	// ForbidInboundKinds lists prompt kinds the channel gate must never
	// accept a reply for at all, regardless of allowlist or nonce — e.g. a
	// deployment that routes PASSWORD prompts only through an out-of-band
	// channel and never wants an inbound chat reply to satisfy one.
	ForbidInboundKinds []model.PromptKind `yaml:"forbid_inbound_kinds,omitempty"`
}

// ForbidsInboundKind reports whether p's policy forbids accepting an
// inbound channel reply for kind (spec section 4.7's "policy does not
// forbid this input kind" gate step).
func (p Policy) ForbidsInboundKind(kind model.PromptKind) bool {
	for _, k := range p.ForbidInboundKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// EvalContext carries the per-evaluation facts the policy matches against:
// the classified prompt plus the identity/channel key used for rate
// limiting.
type EvalContext struct {
	Kind       model.PromptKind
	Confidence model.Confidence
	Excerpt    string
	SessionTag string
	Identity   string
	Channel    string
}
