// Package store is the sole persistence layer of the supervisor: sessions,
// prompts, replies, the hash-chained audit log, and the rate-limit ledger
// all live in one SQLite database opened in WAL mode (grounded on the
// pack's zamorofthat-elida sqlite store), with schema managed by an
// embedded, user_version-tracked migration runner. The package is
// intentionally the only place that issues SQL; every other package talks
// to it through typed methods.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinel-hq/sentinel/internal/errs"
	"github.com/sentinel-hq/sentinel/internal/model"
)

// Store is a handle on the supervisor's SQLite database.
type Store struct {
	db *sql.DB
}

// Open connects to dbPath, enables WAL mode and foreign keys, and brings
// the schema up to date. A single open connection is used: SQLite allows
// only one writer at a time regardless of pool size, and serializing
// through one connection avoids SQLITE_BUSY churn under WAL.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	if err := runMigrations(dbPath, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tool_name, started_at, ended_at, status, autonomy_mode, conversation_state, bound_channel_thread)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ToolName, sess.StartedAt.UTC().Format(time.RFC3339Nano), nullableTime(sess.EndedAt),
		sess.Status, sess.AutonomyMode, sess.ConversationState, sess.BoundChannelThread)
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", sess.ID, err)
	}
	return nil
}

// sessionUpdatableFields is the allowlist of columns UpdateSession may
// touch: no caller may write arbitrary columns through this path (spec
// section 7 — update_session must take a field allowlist, not a raw SQL
// fragment).
var sessionUpdatableFields = map[string]bool{
	"status":              true,
	"ended_at":            true,
	"conversation_state":  true,
	"autonomy_mode":       true,
	"bound_channel_thread": true,
}

// UpdateSession applies fields to session id. Keys outside
// sessionUpdatableFields are rejected rather than silently ignored.
func (s *Store) UpdateSession(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	setClause := ""
	args := make([]any, 0, len(fields)+1)
	for col, val := range fields {
		if !sessionUpdatableFields[col] {
			return fmt.Errorf("store: field %q is not updatable on sessions", col)
		}
		if setClause != "" {
			setClause += ", "
		}
		setClause += col + " = ?"
		args = append(args, val)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+setClause+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: update session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// GetSession loads session id.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_name, started_at, ended_at, status, autonomy_mode, conversation_state, bound_channel_thread
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListActiveSessions returns every session not yet ENDED or CRASHED, used
// on startup to recover in-flight sessions and their pending prompts.
func (s *Store) ListActiveSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_name, started_at, ended_at, status, autonomy_mode, conversation_state, bound_channel_thread
		FROM sessions WHERE status = ?`, model.SessionActive)
	if err != nil {
		return nil, fmt.Errorf("store: list active sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.Session, error) {
	var sess model.Session
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&sess.ID, &sess.ToolName, &startedAt, &endedAt, &sess.Status, &sess.AutonomyMode, &sess.ConversationState, &sess.BoundChannelThread); err != nil {
		if err == sql.ErrNoRows {
			return model.Session{}, err
		}
		return model.Session{}, fmt.Errorf("store: scan session: %w", err)
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		sess.EndedAt = &t
	}
	return sess, nil
}

// CreatePrompt inserts a newly detected prompt in CREATED status.
func (s *Store) CreatePrompt(ctx context.Context, p model.Prompt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompts (id, session_id, created_at, ttl_seconds, kind, confidence, excerpt, nonce, status, resolved_at, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.CreatedAt.UTC().Format(time.RFC3339Nano), p.TTLSeconds, p.Kind, p.Confidence, p.Excerpt, p.Nonce, p.Status,
		nullableTime(p.ResolvedAt), nullableInt64(p.LatencyMS))
	if err != nil {
		return fmt.Errorf("store: create prompt %s: %w", p.ID, err)
	}
	return nil
}

// GetPrompt loads prompt id.
func (s *Store) GetPrompt(ctx context.Context, id string) (model.Prompt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, created_at, ttl_seconds, kind, confidence, excerpt, nonce, status, resolved_at, latency_ms
		FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return model.Prompt{}, errs.ErrNoSuchPrompt
	}
	return p, err
}

// ListPendingPrompts returns every prompt still in ROUTED or
// AWAITING_REPLY status, used to reload in-flight prompts on startup
// after a crash or restart.
func (s *Store) ListPendingPrompts(ctx context.Context) ([]model.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, created_at, ttl_seconds, kind, confidence, excerpt, nonce, status, resolved_at, latency_ms
		FROM prompts WHERE status IN (?, ?)`, model.StatusRouted, model.StatusAwaitingReply)
	if err != nil {
		return nil, fmt.Errorf("store: list pending prompts: %w", err)
	}
	defer rows.Close()

	var out []model.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPrompt(row scanner) (model.Prompt, error) {
	var p model.Prompt
	var createdAt string
	var resolvedAt sql.NullString
	var latencyMS sql.NullInt64
	if err := row.Scan(&p.ID, &p.SessionID, &createdAt, &p.TTLSeconds, &p.Kind, &p.Confidence, &p.Excerpt, &p.Nonce, &p.Status, &resolvedAt, &latencyMS); err != nil {
		if err == sql.ErrNoRows {
			return model.Prompt{}, err
		}
		return model.Prompt{}, fmt.Errorf("store: scan prompt: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		p.ResolvedAt = &t
	}
	if latencyMS.Valid {
		v := latencyMS.Int64
		p.LatencyMS = &v
	}
	return p, nil
}

// TransitionPrompt moves prompt id from `from` to `to`, guarded by a
// WHERE...status=from clause so a concurrent transition out from under the
// caller fails the row-count check instead of silently overwriting it.
func (s *Store) TransitionPrompt(ctx context.Context, id string, from, to model.PromptStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE prompts SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("store: transition prompt %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: prompt %s not in status %s: %w", id, from, errs.ErrInvalidTransition)
	}
	return nil
}

// DecidePrompt is the atomic, single-statement decision guard that
// implements I1-I4 (exactly-once reply injection): it moves prompt id from
// AWAITING_REPLY to REPLY_RECEIVED in one UPDATE gated on nonce, status,
// the owning session still being ACTIVE, and the TTL not having elapsed,
// so two racing deciders (e.g. a human reply and a TTL sweep arriving
// together), a reply to a session that has since crashed, or a reply that
// arrives after its prompt's deadline can never succeed. Exactly one
// caller observes RowsAffected()==1; every other racer gets a definitive
// rejection reason.
func (s *Store) DecidePrompt(ctx context.Context, promptID, nonce string, now time.Time) (model.Prompt, error) {
	nowStr := now.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE prompts SET status = ?, resolved_at = ?
		WHERE id = ? AND nonce = ? AND status = ?
		  AND (SELECT status FROM sessions WHERE sessions.id = prompts.session_id) = ?
		  AND (strftime('%s', created_at) + ttl_seconds) >= strftime('%s', ?)`,
		model.StatusReplyReceived, nowStr, promptID, nonce, model.StatusAwaitingReply, model.SessionActive, nowStr)
	if err != nil {
		return model.Prompt{}, fmt.Errorf("store: decide prompt %s: %w", promptID, err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return s.GetPrompt(ctx, promptID)
	}

	// Rows affected is zero: find out why, for a precise error back to the
	// caller (nonce mismatch vs wrong status vs expired vs session gone vs
	// no such prompt at all).
	existing, err := s.GetPrompt(ctx, promptID)
	if err != nil {
		return model.Prompt{}, err
	}
	if existing.Nonce != nonce {
		return model.Prompt{}, errs.ErrNonceMismatch
	}
	if existing.Status != model.StatusAwaitingReply {
		return model.Prompt{}, fmt.Errorf("store: prompt %s already %s: %w", promptID, existing.Status, errs.ErrInvalidTransition)
	}
	if existing.Expired(now) {
		return model.Prompt{}, errs.ErrPromptExpired
	}
	sess, err := s.GetSession(ctx, existing.SessionID)
	if err != nil {
		return model.Prompt{}, err
	}
	if sess.Status != model.SessionActive {
		return model.Prompt{}, errs.ErrSessionNotActive
	}
	return model.Prompt{}, fmt.Errorf("store: decide prompt %s: unexpected state", promptID)
}

// RecordReply inserts the (length-only) record of an injected reply.
func (s *Store) RecordReply(ctx context.Context, r model.Reply) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replies (id, prompt_id, value_length, source, identity, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.PromptID, r.ValueLength, r.Source, r.Identity, r.ReceivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: record reply %s: %w", r.ID, err)
	}
	return nil
}

// LastAuditEvent returns the most recently inserted audit event, or
// ok=false if the log is empty (the genesis link uses an all-zero
// previous hash).
func (s *Store) LastAuditEvent(ctx context.Context) (model.AuditEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, timestamp, kind, session_id, prompt_id, payload, payload_sha256, prev_sha256, chain_sha256
		FROM audit_events ORDER BY seq DESC LIMIT 1`)
	ev, err := scanAuditEvent(row)
	if err == sql.ErrNoRows {
		return model.AuditEvent{}, false, nil
	}
	if err != nil {
		return model.AuditEvent{}, false, err
	}
	return ev, true, nil
}

// InsertAuditEvent appends ev, which must already carry its Seq and
// hashes computed by the audit package (the sole inserter, serialized by
// its own lock so seq assignment never races). The seq is written
// explicitly rather than left to autoincrement so the audit package's
// hash chain always covers the seq it actually lands at.
func (s *Store) InsertAuditEvent(ctx context.Context, ev model.AuditEvent) (model.AuditEvent, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("store: marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (seq, timestamp, kind, session_id, prompt_id, payload, payload_sha256, prev_sha256, chain_sha256)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Kind, ev.SessionID, ev.PromptID, string(payload), ev.PayloadSHA256, ev.PrevSHA256, ev.ChainSHA256)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("store: insert audit event: %w", err)
	}
	return ev, nil
}

// ListAuditEvents returns events with seq > afterSeq in order, up to
// limit (0 means unbounded), for chain verification and the operator
// surface.
func (s *Store) ListAuditEvents(ctx context.Context, afterSeq uint64, limit int) ([]model.AuditEvent, error) {
	query := `
		SELECT seq, timestamp, kind, session_id, prompt_id, payload, payload_sha256, prev_sha256, chain_sha256
		FROM audit_events WHERE seq > ? ORDER BY seq ASC`
	args := []any{afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list audit events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanAuditEvent(row scanner) (model.AuditEvent, error) {
	var ev model.AuditEvent
	var ts, payload string
	if err := row.Scan(&ev.Seq, &ts, &ev.Kind, &ev.SessionID, &ev.PromptID, &payload, &ev.PayloadSHA256, &ev.PrevSHA256, &ev.ChainSHA256); err != nil {
		if err == sql.ErrNoRows {
			return model.AuditEvent{}, err
		}
		return model.AuditEvent{}, fmt.Errorf("store: scan audit event: %w", err)
	}
	ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	if payload != "" {
		_ = json.Unmarshal([]byte(payload), &ev.Payload)
	}
	return ev, nil
}

// ConsumeRateToken applies a token-bucket check backed by the
// channel_rate_limits table, so inbound-channel throttling (spec section
// 4.7's 10-step gate) survives a supervisor restart rather than resetting
// every reply quota to full.
func (s *Store) ConsumeRateToken(ctx context.Context, key string, perMinute, burst int, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin rate-limit tx: %w", err)
	}
	defer tx.Rollback()

	var tokens float64
	var updatedAt string
	err = tx.QueryRowContext(ctx, `SELECT tokens, updated_at FROM channel_rate_limits WHERE bucket_key = ?`, key).Scan(&tokens, &updatedAt)
	switch {
	case err == sql.ErrNoRows:
		tokens = float64(burst)
	case err != nil:
		return false, fmt.Errorf("store: read rate bucket %s: %w", key, err)
	default:
		last, _ := time.Parse(time.RFC3339Nano, updatedAt)
		elapsed := now.Sub(last).Seconds()
		if elapsed > 0 {
			tokens += elapsed * float64(perMinute) / 60.0
			if tokens > float64(burst) {
				tokens = float64(burst)
			}
		}
	}

	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channel_rate_limits (bucket_key, tokens, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(bucket_key) DO UPDATE SET tokens = excluded.tokens, updated_at = excluded.updated_at`,
		key, tokens, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("store: persist rate bucket %s: %w", key, err)
	}

	return allowed, tx.Commit()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
