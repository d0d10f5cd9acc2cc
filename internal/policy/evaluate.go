package policy

import (
	"strings"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/sentinel-hq/sentinel/internal/model"
)

// regexTimeout bounds any single substring/pattern evaluation (spec
// section 4.6): an evaluation exceeding this is aborted and counts as a
// non-match with a diagnostic log, rather than stalling the evaluator.
const regexTimeout = 100 * time.Millisecond

// Evaluate runs the first-match-wins rule engine over ctx and returns a
// Decision plus, in Decision.RuleEvaluations, a per-rule explanation
// suitable for the decision trace (spec section 4.6). now and limiter are
// passed explicitly so the function stays a pure mapping of
// (policy, context, now, limiter-state) -> decision, checkable for I9.
func Evaluate(p Policy, ctx EvalContext, now time.Time, limiter *Limiter) model.Decision {
	var evals []model.RuleEvaluation

	for _, rule := range resolveRules(p.Rules) {
		matched, failing := matchRule(rule, ctx)
		if !matched {
			evals = append(evals, model.RuleEvaluation{RuleID: rule.ID, Matched: false, FailingCriterion: failing})
			continue
		}

		budget := rule.RateBudget
		if rule.Action.Type == model.ActionRateLimited && rule.Action.Budget != nil {
			budget = rule.Action.Budget
		}
		if budget != nil {
			key := rule.ID + "|" + ctx.Identity + "|" + ctx.Channel
			if !limiter.Allow(key, *budget, now) {
				evals = append(evals, model.RuleEvaluation{RuleID: rule.ID, Matched: false, FailingCriterion: "rate_limit_exhausted"})
				continue
			}
		}

		evals = append(evals, model.RuleEvaluation{RuleID: rule.ID, Matched: true})
		return model.Decision{
			Action:          rule.Action.Type,
			Value:           rule.Action.Value,
			RuleID:          rule.ID,
			Reason:          "matched rule " + rule.ID,
			RuleEvaluations: evals,
		}
	}

	// No rule matched (or all matches were rate-limited away): fall back to
	// defaults, with LOW confidence taking precedence over no_match per
	// spec section 4.6's stated default precedence ("defaults.no_match and
	// defaults.low_confidence determine behaviour when either no rule
	// matches or confidence = LOW").
	action := p.Defaults.NoMatch
	reason := "no rule matched"
	if ctx.Confidence == model.ConfidenceLow {
		action = p.Defaults.LowConfidence
		reason = "low confidence, no rule matched"
	}
	if action == "" {
		action = model.ActionRequireHuman
		reason = "safe default: require human"
	}
	return model.Decision{
		Action:          action,
		RuleID:          "",
		Reason:          reason,
		RuleEvaluations: evals,
	}
}

// resolveRules applies `extends` inheritance: a rule with Extends set
// inherits any zero-valued MatchCriteria field from its parent, with its
// own non-zero fields taking precedence. Resolution happens once per
// Evaluate call against the as-loaded rule order; Load() also resolves and
// validates at load time so forbidden-configuration checks see the final
// merged criteria.
func resolveRules(rules []Rule) []Rule {
	byID := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = mergeExtends(r, byID, 0)
	}
	return out
}

func mergeExtends(r Rule, byID map[string]Rule, depth int) Rule {
	if r.Extends == "" || depth > 8 {
		return r
	}
	parent, ok := byID[r.Extends]
	if !ok {
		return r
	}
	parent = mergeExtends(parent, byID, depth+1)

	merged := r
	if len(merged.Match.PromptTypes) == 0 {
		merged.Match.PromptTypes = parent.Match.PromptTypes
	}
	if merged.Match.MinConfidence == "" {
		merged.Match.MinConfidence = parent.Match.MinConfidence
	}
	if merged.Match.MaxConfidence == "" {
		merged.Match.MaxConfidence = parent.Match.MaxConfidence
	}
	if len(merged.Match.AnyOf) == 0 {
		merged.Match.AnyOf = parent.Match.AnyOf
	}
	if len(merged.Match.NoneOf) == 0 {
		merged.Match.NoneOf = parent.Match.NoneOf
	}
	if merged.Match.SessionTag == "" {
		merged.Match.SessionTag = parent.Match.SessionTag
	}
	return merged
}

// matchRule reports whether ctx satisfies rule.Match, and if not, names
// the first criterion that failed (for the decision trace).
func matchRule(rule Rule, ctx EvalContext) (bool, string) {
	m := rule.Match

	if len(m.PromptTypes) > 0 && !containsKind(m.PromptTypes, ctx.Kind) {
		return false, "prompt_type"
	}
	if m.MinConfidence != "" && ctx.Confidence.Rank() < m.MinConfidence.Rank() {
		return false, "min_confidence"
	}
	if m.MaxConfidence != "" && ctx.Confidence.Rank() > m.MaxConfidence.Rank() {
		return false, "max_confidence"
	}
	if m.SessionTag != "" && m.SessionTag != ctx.SessionTag {
		return false, "session_tag"
	}
	if len(m.AnyOf) > 0 && !boundedAnySubstring(m.AnyOf, ctx.Excerpt) {
		return false, "any_of"
	}
	if len(m.NoneOf) > 0 && boundedAnySubstring(m.NoneOf, ctx.Excerpt) {
		return false, "none_of"
	}
	return true, ""
}

func containsKind(kinds []model.PromptKind, k model.PromptKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

// boundedAnySubstring reports whether any of needles is a case-insensitive
// substring of haystack, evaluating each with a bounded timeout so a
// pathological needle cannot stall the evaluator (spec section 4.6).
func boundedAnySubstring(needles []string, haystack string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if ok := boundedContains(lower, strings.ToLower(n)); ok {
			return true
		}
	}
	return false
}

func boundedContains(haystack, needle string) bool {
	done := make(chan bool, 1)
	go func() {
		done <- strings.Contains(haystack, needle)
	}()
	select {
	case r := <-done:
		return r
	case <-time.After(regexTimeout):
		log.Warningf("policy: substring match for %q exceeded %s, counting as non-match", needle, regexTimeout)
		return false
	}
}
