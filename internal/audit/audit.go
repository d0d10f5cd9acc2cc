// Package audit implements the tamper-evident, hash-chained audit log
// (spec section 3/7). Each event's chain_sha256 covers the previous
// event's chain hash plus its own seq, timestamp, kind, and payload hash,
// so altering or removing any past event is detectable by Verify. The
// Logger is the sole inserter: every Append is serialized through one
// lock so seq assignment and chain-hash computation never race, the
// shape borisdali-helpdesk's audit.Event and rcourtman-Pulse's
// SQLiteLogger/Signer pair point at but don't implement verification for.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sentinel-hq/sentinel/internal/errs"
	"github.com/sentinel-hq/sentinel/internal/model"
)

// genesisHash is the previous-hash value for the very first event: 64
// hex zero characters, matching the width of a sha256 digest.
var genesisHash = strings.Repeat("0", 64)

// Store is the persistence surface the logger needs; satisfied by
// *store.Store.
type Store interface {
	LastAuditEvent(ctx context.Context) (model.AuditEvent, bool, error)
	InsertAuditEvent(ctx context.Context, ev model.AuditEvent) (model.AuditEvent, error)
	ListAuditEvents(ctx context.Context, afterSeq uint64, limit int) ([]model.AuditEvent, error)
}

// Logger appends hash-chained audit events.
type Logger struct {
	mu    sync.Mutex
	store Store
}

// NewLogger wraps store as the sole audit inserter.
func NewLogger(store Store) *Logger {
	return &Logger{store: store}
}

// Append computes the next seq and hash chain link and persists a new
// audit event. It is safe for concurrent use; callers never need their
// own serialization.
func (l *Logger) Append(ctx context.Context, kind model.AuditKind, sessionID, promptID string, payload map[string]any) (model.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok, err := l.store.LastAuditEvent(ctx)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit: read last event: %w", err)
	}
	prevHash := genesisHash
	seq := uint64(1)
	if ok {
		prevHash = last.ChainSHA256
		seq = last.Seq + 1
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit: marshal payload: %w", err)
	}
	payloadHash := sha256Hex(payloadBytes)

	ts := time.Now().UTC()
	chainInput := fmt.Sprintf("%s|%d|%s|%s|%s", prevHash, seq, ts.Format(time.RFC3339Nano), kind, payloadHash)
	chainHash := sha256Hex([]byte(chainInput))

	ev := model.AuditEvent{
		Seq: seq, Timestamp: ts, Kind: kind, SessionID: sessionID, PromptID: promptID,
		Payload: payload, PayloadSHA256: payloadHash, PrevSHA256: prevHash, ChainSHA256: chainHash,
	}

	return l.store.InsertAuditEvent(ctx, ev)
}

// VerifyResult reports the outcome of walking the chain.
type VerifyResult struct {
	EventsChecked uint64
	Broken        bool
	BrokenAtSeq   uint64
}

// Verify walks the full audit log from seq 1 and recomputes each link,
// reporting the first seq at which the stored chain_sha256 does not match
// what Append would have produced (spec's `sentinel audit verify`).
func Verify(ctx context.Context, store Store) (VerifyResult, error) {
	events, err := store.ListAuditEvents(ctx, 0, 0)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: list events: %w", err)
	}

	prevHash := genesisHash
	var wantSeq uint64 = 1
	for _, ev := range events {
		if ev.Seq != wantSeq {
			return VerifyResult{EventsChecked: wantSeq - 1, Broken: true, BrokenAtSeq: ev.Seq}, nil
		}
		payloadBytes, err := json.Marshal(ev.Payload)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("audit: marshal payload at seq %d: %w", ev.Seq, err)
		}
		wantPayloadHash := sha256Hex(payloadBytes)

		chainInput := fmt.Sprintf("%s|%d|%s|%s|%s", prevHash, ev.Seq, ev.Timestamp.Format(time.RFC3339Nano), ev.Kind, ev.PayloadSHA256)
		wantChainHash := sha256Hex([]byte(chainInput))

		if ev.PrevSHA256 != prevHash || ev.PayloadSHA256 != wantPayloadHash || ev.ChainSHA256 != wantChainHash {
			return VerifyResult{EventsChecked: wantSeq - 1, Broken: true, BrokenAtSeq: ev.Seq}, nil
		}

		prevHash = ev.ChainSHA256
		wantSeq++
	}
	return VerifyResult{EventsChecked: wantSeq - 1}, nil
}

// MustBeIntact returns errs.ErrChainBroken wrapped with the break location
// if r reports a broken chain, nil otherwise.
func (r VerifyResult) MustBeIntact() error {
	if !r.Broken {
		return nil
	}
	return &errs.ChainBreakError{Seq: r.BrokenAtSeq}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
