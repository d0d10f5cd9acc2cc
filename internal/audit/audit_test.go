package audit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-hq/sentinel/internal/model"
	"github.com/sentinel-hq/sentinel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendBuildsChainAndVerifyPasses(t *testing.T) {
	s := newTestStore(t)
	l := NewLogger(s)
	ctx := context.Background()

	ev1, err := l.Append(ctx, model.AuditSessionStarted, "sess-1", "", map[string]any{"tool": "claude"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev1.Seq)
	require.Equal(t, genesisHash, ev1.PrevSHA256)

	ev2, err := l.Append(ctx, model.AuditPromptDetected, "sess-1", "p1", map[string]any{"kind": "YES_NO"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), ev2.Seq)
	require.Equal(t, ev1.ChainSHA256, ev2.PrevSHA256)
	require.NotEqual(t, ev1.ChainSHA256, ev2.ChainSHA256)

	result, err := Verify(ctx, s)
	require.NoError(t, err)
	require.False(t, result.Broken)
	require.Equal(t, uint64(2), result.EventsChecked)
	require.NoError(t, result.MustBeIntact())
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	s := newTestStore(t)
	l := NewLogger(s)
	ctx := context.Background()

	_, err := l.Append(ctx, model.AuditSessionStarted, "sess-1", "", map[string]any{"tool": "claude"})
	require.NoError(t, err)
	_, err = l.Append(ctx, model.AuditPromptDetected, "sess-1", "p1", map[string]any{"kind": "YES_NO"})
	require.NoError(t, err)

	events, err := s.ListAuditEvents(ctx, 0, 0)
	require.NoError(t, err)
	tampered := events[1]
	tampered.PayloadSHA256 = "deadbeef"
	_, err = s.InsertAuditEvent(ctx, tampered)
	require.Error(t, err, "duplicate seq insert should fail under the primary key constraint")

	// Simulate tamper by inserting a divergent chain directly at a fresh seq
	// to exercise Verify's detection path without relying on UPDATE support
	// the store intentionally does not expose for audit_events.
	forged := model.AuditEvent{
		Seq: 3, Timestamp: events[1].Timestamp, Kind: events[1].Kind, SessionID: events[1].SessionID,
		PromptID: events[1].PromptID, Payload: events[1].Payload, PayloadSHA256: "deadbeef",
		PrevSHA256: events[1].ChainSHA256, ChainSHA256: "also-wrong",
	}
	_, err = s.InsertAuditEvent(ctx, forged)
	require.NoError(t, err)

	result, err := Verify(ctx, s)
	require.NoError(t, err)
	require.True(t, result.Broken)
	require.Equal(t, uint64(3), result.BrokenAtSeq)
	require.Error(t, result.MustBeIntact())
}

func TestAppendSerializesConcurrentWritersIntoOneChain(t *testing.T) {
	s := newTestStore(t)
	l := NewLogger(s)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, model.AuditPromptDetected, "sess-1", "p", map[string]any{"i": i})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	result, err := Verify(ctx, s)
	require.NoError(t, err)
	require.False(t, result.Broken)
	require.Equal(t, uint64(n), result.EventsChecked)
}
