package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-hq/sentinel/internal/audit"
	"github.com/sentinel-hq/sentinel/internal/detector"
	"github.com/sentinel-hq/sentinel/internal/model"
	"github.com/sentinel-hq/sentinel/internal/policy"
	"github.com/sentinel-hq/sentinel/internal/store"
)

type fakeSupervisor struct {
	injected [][]byte
	failNext bool
}

func (f *fakeSupervisor) Inject(b []byte) error {
	if f.failNext {
		return assertErr
	}
	cp := append([]byte(nil), b...)
	f.injected = append(f.injected, cp)
	return nil
}

var assertErr = errTest("inject failed")

type errTest string

func (e errTest) Error() string { return string(e) }

func newTestRouter(t *testing.T, p policy.Policy) (*Router, *store.Store, *fakeSupervisor) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateSession(context.Background(), model.Session{
		ID: "sess-1", ToolName: "claude", StartedAt: time.Now(), Status: model.SessionActive,
		AutonomyMode: model.AutonomyAssist, ConversationState: model.ConversationRunning,
	}))

	sup := &fakeSupervisor{}
	logger := audit.NewLogger(s)
	r := New("sess-1", s, sup, func() policy.Policy { return p }, policy.NewLimiter(), logger, nil, nil, 300)
	return r, s, sup
}

func TestHandleDetectionAutoReplyInjectsAndResolves(t *testing.T) {
	p := policy.Policy{
		Rules: []policy.Rule{
			{ID: "r1", Match: policy.MatchCriteria{PromptTypes: []model.PromptKind{model.KindConfirmEnter}, MinConfidence: model.ConfidenceHigh}, Action: policy.ActionSpec{Type: model.ActionAutoReply, Value: "\n"}},
		},
		Defaults: policy.Defaults{NoMatch: model.ActionRequireHuman, LowConfidence: model.ActionRequireHuman},
	}
	r, s, sup := newTestRouter(t, p)

	det := detector.Detection{Kind: model.KindConfirmEnter, Confidence: model.ConfidenceHigh, Excerpt: "Press enter to continue"}
	require.NoError(t, r.HandleDetection(context.Background(), det, ""))

	require.Len(t, sup.injected, 1)
	require.Equal(t, "\n", string(sup.injected[0]))

	all, err := s.ListAuditEvents(context.Background(), 0, 0)
	require.NoError(t, err)
	var kinds []model.AuditKind
	for _, ev := range all {
		kinds = append(kinds, ev.Kind)
	}
	require.Contains(t, kinds, model.AuditPromptDetected)
	require.Contains(t, kinds, model.AuditPolicyEvaluated)
	require.Contains(t, kinds, model.AuditReplyInjected)
}

func TestHandleDetectionDenyNeverInjects(t *testing.T) {
	p := policy.Policy{
		Rules: []policy.Rule{
			{ID: "deny-secrets", Match: policy.MatchCriteria{AnyOf: []string{"token"}}, Action: policy.ActionSpec{Type: model.ActionDeny}},
		},
		Defaults: policy.Defaults{NoMatch: model.ActionRequireHuman, LowConfidence: model.ActionRequireHuman},
	}
	r, s, sup := newTestRouter(t, p)

	det := detector.Detection{Kind: model.KindFreeText, Confidence: model.ConfidenceMed, Excerpt: "enter your token"}
	require.NoError(t, r.HandleDetection(context.Background(), det, ""))

	require.Empty(t, sup.injected)
	all, err := s.ListAuditEvents(context.Background(), 0, 0)
	require.NoError(t, err)
	var sawFailed bool
	for _, ev := range all {
		if ev.Kind == model.AuditPromptFailed {
			sawFailed = true
		}
	}
	require.True(t, sawFailed)
}

func TestHandleDetectionRequireHumanAwaitsReply(t *testing.T) {
	p := policy.Policy{Defaults: policy.Defaults{NoMatch: model.ActionRequireHuman, LowConfidence: model.ActionRequireHuman}}
	r, s, sup := newTestRouter(t, p)

	det := detector.Detection{Kind: model.KindNumberedChoice, Confidence: model.ConfidenceMed, Excerpt: "1) yes 2) no"}
	require.NoError(t, r.HandleDetection(context.Background(), det, ""))
	require.Empty(t, sup.injected)

	all, err := s.ListAuditEvents(context.Background(), 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, all)
}

func TestHandleDetectionSuppressesDuplicateWhilePromptActive(t *testing.T) {
	p := policy.Policy{Defaults: policy.Defaults{NoMatch: model.ActionRequireHuman, LowConfidence: model.ActionRequireHuman}}
	r, s, _ := newTestRouter(t, p)
	ctx := context.Background()

	det := detector.Detection{Kind: model.KindNumberedChoice, Confidence: model.ConfidenceMed, Excerpt: "1) yes 2) no"}
	require.NoError(t, r.HandleDetection(ctx, det, ""))
	require.NoError(t, r.HandleDetection(ctx, det, ""))

	pending, err := s.ListPendingPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "a second detection while one prompt is still active must not create another")
}

func TestHandleDetectionFailSafeRateLimitsRunawayChild(t *testing.T) {
	p := policy.Policy{
		Rules: []policy.Rule{
			{ID: "r1", Match: policy.MatchCriteria{PromptTypes: []model.PromptKind{model.KindConfirmEnter}, MinConfidence: model.ConfidenceHigh}, Action: policy.ActionSpec{Type: model.ActionAutoReply, Value: "\n"}},
		},
		Defaults: policy.Defaults{NoMatch: model.ActionRequireHuman, LowConfidence: model.ActionRequireHuman},
	}
	r, _, sup := newTestRouter(t, p)
	ctx := context.Background()

	// Each detection auto-replies and resolves immediately, so the
	// active-prompt dedup never suppresses these: only the fail-safe
	// rate limiter (5 per 60s burst) should cap them.
	for i := 0; i < routerFailSafeBudget.Burst; i++ {
		det := detector.Detection{Kind: model.KindConfirmEnter, Confidence: model.ConfidenceHigh, Excerpt: "press enter", ContentHash: string(rune('a' + i))}
		require.NoError(t, r.HandleDetection(ctx, det, ""))
	}
	require.Len(t, sup.injected, routerFailSafeBudget.Burst)

	overflow := detector.Detection{Kind: model.KindConfirmEnter, Confidence: model.ConfidenceHigh, Excerpt: "press enter", ContentHash: "overflow"}
	require.NoError(t, r.HandleDetection(ctx, overflow, ""))
	require.Len(t, sup.injected, routerFailSafeBudget.Burst, "the (burst+1)th detection within the window must be dropped")
}

func TestHandleInboundReplyInjectsAndResolves(t *testing.T) {
	p := policy.Policy{Defaults: policy.Defaults{NoMatch: model.ActionRequireHuman, LowConfidence: model.ActionRequireHuman}}
	r, s, sup := newTestRouter(t, p)
	ctx := context.Background()

	det := detector.Detection{Kind: model.KindNumberedChoice, Confidence: model.ConfidenceMed, Excerpt: "1) yes 2) no"}
	require.NoError(t, r.HandleDetection(ctx, det, ""))

	all, err := s.ListAuditEvents(ctx, 0, 0)
	require.NoError(t, err)
	var promptID string
	for _, ev := range all {
		if ev.Kind == model.AuditPromptDetected {
			promptID = ev.PromptID
		}
	}
	require.NotEmpty(t, promptID)

	prompt, err := s.GetPrompt(ctx, promptID)
	require.NoError(t, err)

	require.NoError(t, r.HandleInboundReply(ctx, promptID, prompt.Nonce, "2"))
	require.Len(t, sup.injected, 1)
	require.Equal(t, "2", string(sup.injected[0]))

	resolved, err := s.GetPrompt(ctx, promptID)
	require.NoError(t, err)
	require.Equal(t, model.StatusResolved, resolved.Status)
}
