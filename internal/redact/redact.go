// Package redact strips secret-shaped tokens from prompt excerpts and
// forwarded output chunks before they leave the process boundary (spec
// section 7). The teacher masks its own prompt argument before logging it
// ("mask the prompt in logs for brevity", pkg/executor/claude/client.go) —
// this package generalizes that one-off comment into a real, tested pass
// applied everywhere an excerpt or output chunk is formed.
package redact

import "regexp"

// pattern pairs a compiled regex with the literal it gets replaced with.
type pattern struct {
	name string
	re   *regexp.Regexp
}

// patterns covers the secret shapes named in spec section 7: Telegram bot
// tokens, Slack tokens, GitHub PATs, AWS access keys, and generic bearer
// tokens.
var patterns = []pattern{
	{"telegram_bot_token", regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`)},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"github_pat", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/=-]{10,}\b`)},
}

// Redact returns s with every recognized secret shape replaced by a
// "[REDACTED:<kind>]" marker. It never returns an error to the caller:
// a pattern that fails to compile at init time would panic during package
// init, so at call time redaction can only ever succeed or no-op, and a
// no-op (nothing matched) is not itself an error condition.
func Redact(s string) string {
	out := s
	for _, p := range patterns {
		out = p.re.ReplaceAllString(out, "[REDACTED:"+p.name+"]")
	}
	return out
}

// RedactBytes is the []byte form used on forwarded output chunks, to avoid
// a string round-trip on the hot PTY-read path.
func RedactBytes(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	return []byte(Redact(string(b)))
}
