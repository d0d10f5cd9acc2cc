package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-hq/sentinel/internal/errs"
	"github.com/sentinel-hq/sentinel/internal/model"
)

func samplePolicy() Policy {
	return Policy{
		Version:      1,
		AutonomyMode: model.AutonomyAssist,
		Rules: []Rule{
			{
				ID: "auto-yes-confirm",
				Match: MatchCriteria{
					PromptTypes:   []model.PromptKind{model.KindConfirmEnter},
					MinConfidence: model.ConfidenceHigh,
				},
				Action: ActionSpec{Type: model.ActionAutoReply, Value: "\n"},
			},
			{
				ID: "deny-secrets",
				Match: MatchCriteria{
					AnyOf: []string{"api key", "token"},
				},
				Action: ActionSpec{Type: model.ActionDeny},
			},
			{
				ID: "rate-limited-folder-trust",
				Match: MatchCriteria{
					PromptTypes: []model.PromptKind{model.KindFolderTrust},
				},
				Action:     ActionSpec{Type: model.ActionRequireHuman},
				RateBudget: &RateBudget{PerMinute: 60, Burst: 1},
			},
		},
		Defaults: Defaults{
			NoMatch:       model.ActionRequireHuman,
			LowConfidence: model.ActionRequireHuman,
		},
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	p := samplePolicy()
	lim := NewLimiter()
	now := time.Unix(0, 0)

	d := Evaluate(p, EvalContext{Kind: model.KindConfirmEnter, Confidence: model.ConfidenceHigh}, now, lim)
	require.Equal(t, model.ActionAutoReply, d.Action)
	require.Equal(t, "auto-yes-confirm", d.RuleID)
}

func TestEvaluateAnyOfMatch(t *testing.T) {
	p := samplePolicy()
	lim := NewLimiter()
	now := time.Unix(0, 0)

	d := Evaluate(p, EvalContext{Kind: model.KindFreeText, Confidence: model.ConfidenceMed, Excerpt: "enter your API Key"}, now, lim)
	require.Equal(t, model.ActionDeny, d.Action)
	require.Equal(t, "deny-secrets", d.RuleID)
}

func TestEvaluateFallsBackToDefaultsWhenNoRuleMatches(t *testing.T) {
	p := samplePolicy()
	lim := NewLimiter()
	now := time.Unix(0, 0)

	d := Evaluate(p, EvalContext{Kind: model.KindNumberedChoice, Confidence: model.ConfidenceMed}, now, lim)
	require.Equal(t, model.ActionRequireHuman, d.Action)
	require.Empty(t, d.RuleID)
}

func TestEvaluateLowConfidenceUsesLowConfidenceDefault(t *testing.T) {
	p := samplePolicy()
	p.Defaults.LowConfidence = model.ActionDeny
	lim := NewLimiter()
	now := time.Unix(0, 0)

	d := Evaluate(p, EvalContext{Kind: model.KindNumberedChoice, Confidence: model.ConfidenceLow}, now, lim)
	require.Equal(t, model.ActionDeny, d.Action)
}

func TestEvaluateRateLimitedRuleFallsThroughToDefaults(t *testing.T) {
	p := samplePolicy()
	lim := NewLimiter()
	now := time.Unix(0, 0)
	ctx := EvalContext{Kind: model.KindFolderTrust, Confidence: model.ConfidenceMed, Identity: "alice", Channel: "telegram"}

	d1 := Evaluate(p, ctx, now, lim)
	require.Equal(t, "rate-limited-folder-trust", d1.RuleID)

	d2 := Evaluate(p, ctx, now, lim)
	require.NotEqual(t, "rate-limited-folder-trust", d2.RuleID)
	require.Equal(t, model.ActionRequireHuman, d2.Action)
}

func TestEvaluateDeterministicForIdenticalInputs(t *testing.T) {
	p := samplePolicy()
	now := time.Unix(100, 0)
	ctx := EvalContext{Kind: model.KindConfirmEnter, Confidence: model.ConfidenceHigh}

	d1 := Evaluate(p, ctx, now, NewLimiter())
	d2 := Evaluate(p, ctx, now, NewLimiter())
	require.Equal(t, d1.Action, d2.Action)
	require.Equal(t, d1.RuleID, d2.RuleID)
}

func TestResolveRulesExtendsInheritance(t *testing.T) {
	rules := []Rule{
		{ID: "base", Match: MatchCriteria{PromptTypes: []model.PromptKind{model.KindYesNo}, MinConfidence: model.ConfidenceHigh}},
		{ID: "child", Extends: "base", Match: MatchCriteria{SessionTag: "prod"}},
	}
	resolved := resolveRules(rules)
	require.Equal(t, []model.PromptKind{model.KindYesNo}, resolved[1].Match.PromptTypes)
	require.Equal(t, model.ConfidenceHigh, resolved[1].Match.MinConfidence)
	require.Equal(t, "prod", resolved[1].Match.SessionTag)
}

func TestLoadRejectsAutoReplyOnPassword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	yamlSrc := `
policy_version: 1
autonomy_mode: FULL
rules:
  - id: bad
    match:
      prompt_type: [PASSWORD]
    action:
      type: AUTO_REPLY
      value: "hunter2"
defaults:
  no_match: REQUIRE_HUMAN
  low_confidence: REQUIRE_HUMAN
`
	require.NoError(t, os.WriteFile(path, []byte(yamlSrc), 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, errs.ErrPolicyInvalid)
}

func TestLoadRejectsAutoReplyOnYesNoBelowHighConfidence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	yamlSrc := `
policy_version: 1
autonomy_mode: FULL
rules:
  - id: bad
    match:
      prompt_type: [YES_NO]
      min_confidence: MED
    action:
      type: AUTO_REPLY
      value: "y"
defaults:
  no_match: REQUIRE_HUMAN
  low_confidence: REQUIRE_HUMAN
`
	require.NoError(t, os.WriteFile(path, []byte(yamlSrc), 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, errs.ErrPolicyInvalid)
}

func TestLoadAcceptsAutoReplyOnYesNoAtHighConfidence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	yamlSrc := `
policy_version: 1
autonomy_mode: FULL
rules:
  - id: ok
    match:
      prompt_type: [YES_NO]
      min_confidence: HIGH
    action:
      type: AUTO_REPLY
      value: "y"
defaults:
  no_match: REQUIRE_HUMAN
  low_confidence: REQUIRE_HUMAN
`
	require.NoError(t, os.WriteFile(path, []byte(yamlSrc), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, p.Version)
}

func TestLoadRejectsDuplicateRuleIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	yamlSrc := `
policy_version: 1
autonomy_mode: OFF
rules:
  - id: dup
    match: {}
    action: { type: REQUIRE_HUMAN }
  - id: dup
    match: {}
    action: { type: DENY }
defaults:
  no_match: REQUIRE_HUMAN
  low_confidence: REQUIRE_HUMAN
`
	require.NoError(t, os.WriteFile(path, []byte(yamlSrc), 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, errs.ErrPolicyInvalid)
}

func TestWatcherReloadsOnChangeAndKeepsPreviousOnInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	good := `
policy_version: 1
autonomy_mode: OFF
rules: []
defaults:
  no_match: REQUIRE_HUMAN
  low_confidence: REQUIRE_HUMAN
`
	require.NoError(t, os.WriteFile(path, []byte(good), 0o600))

	loaded := make(chan Policy, 8)
	w, err := NewWatcher(path, func(p Policy) { loaded <- p })
	require.NoError(t, err)
	defer w.Close()

	select {
	case p := <-loaded:
		require.Equal(t, 1, p.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial load")
	}

	updated := `
policy_version: 2
autonomy_mode: OFF
rules: []
defaults:
  no_match: DENY
  low_confidence: REQUIRE_HUMAN
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case p := <-loaded:
		require.Equal(t, 2, p.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	require.Equal(t, 2, w.Current().Version)

	bad := `not: [valid yaml`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 2, w.Current().Version)
}
