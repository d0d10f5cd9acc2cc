// Package detector implements the tri-signal prompt detector of spec
// section 4.2: pattern match (HIGH), TTY blocked-on-read (MED), and idle
// silence (LOW). It is a pure function over a byte buffer plus a small
// amount of dedup state.
package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sentinel-hq/sentinel/internal/model"
	"github.com/sentinel-hq/sentinel/internal/redact"
)

// ansiPattern strips ANSI/VT100 escape sequences before pattern matching,
// so color codes and cursor movement never defeat a regex match.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][A-Za-z0-9]`)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// kindPattern pairs a precompiled regex with the prompt kind it signals.
// Order matters: RAW_TERMINAL-style arrow-key menus are checked before
// NUMBERED_CHOICE so a menu that expects arrow-key navigation is always
// escalated rather than misclassified as a choice a numeric reply could
// answer (spec section 9, open question (a)).
type kindPattern struct {
	kind PromptKindPattern
	re   *regexp.Regexp
}

// PromptKindPattern is a type alias kept local to this file's table so the
// table reads naturally; it is exactly model.PromptKind.
type PromptKindPattern = model.PromptKind

var patterns = []kindPattern{
	{model.KindRawTerminal, regexp.MustCompile(`(?i)use\s+(the\s+)?arrow\s+keys|↑/↓|navigate.{0,20}select`)},
	{model.KindFolderTrust, regexp.MustCompile(`(?i)do you trust the (files|authors|code) in this (folder|workspace|directory)`)},
	{model.KindPassword, regexp.MustCompile(`(?i)^\s*(password|passphrase)\s*:?\s*$`)},
	{model.KindYesNo, regexp.MustCompile(`(?i)\b(y\s*/\s*n|yes\s*/\s*no)\b`)},
	{model.KindConfirmEnter, regexp.MustCompile(`(?i)press\s+enter\b`)},
	{model.KindNumberedChoice, regexp.MustCompile(`(?m)^\s*\d+[\).]\s`)},
}

// Detection is one classified prompt candidate.
type Detection struct {
	Kind        model.PromptKind
	Confidence  model.Confidence
	Excerpt     string
	ContentHash string
}

// excerptMaxChars caps the excerpt length per spec section 3.
const excerptMaxChars = 200

// dedupWindow is the rolling window over which duplicate content hashes are
// suppressed (spec section 4.2).
const dedupWindow = 30 * time.Second

// Detector holds dedup state across calls. The classification logic itself
// is pure; only Dedup carries time-based state, kept separate so
// determinism-sensitive callers (policy tests) can classify without it.
type Detector struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates a Detector with empty dedup state.
func New() *Detector {
	return &Detector{seen: make(map[string]time.Time)}
}

// ClassifyPattern applies the HIGH-confidence pattern signal to buf's
// ANSI-stripped tail. It returns ok=false if no pattern matched.
func ClassifyPattern(buf []byte) (Detection, bool) {
	stripped := StripANSI(string(buf))
	for _, kp := range patterns {
		if kp.re.MatchString(stripped) {
			return makeDetection(kp.kind, model.ConfidenceHigh, stripped), true
		}
	}
	return Detection{}, false
}

// ClassifyBlocked applies the MED-confidence "TTY blocked on read" signal:
// the caller has already inferred (via a platform read-readiness query)
// that the child is runnable but not currently producing output. The kind
// defaults to FREE_TEXT since a blocked-on-read signal alone carries no
// structural information about what the prompt wants.
func ClassifyBlocked(buf []byte) (Detection, bool) {
	if len(buf) == 0 {
		return Detection{}, false
	}
	stripped := StripANSI(string(buf))
	return makeDetection(model.KindFreeText, model.ConfidenceMed, stripped), true
}

// ClassifySilence applies the LOW-confidence idle-watchdog signal.
func ClassifySilence(buf []byte) (Detection, bool) {
	if len(buf) == 0 {
		return Detection{}, false
	}
	stripped := StripANSI(string(buf))
	return makeDetection(model.KindFreeText, model.ConfidenceLow, stripped), true
}

// Combine merges detections from multiple signals that fired on the same
// buffer, taking the max confidence and preferring the kind of whichever
// signal produced the highest confidence (pattern match wins ties since it
// is evaluated first by convention).
func Combine(dets ...Detection) (Detection, bool) {
	var best Detection
	found := false
	for _, d := range dets {
		if !found {
			best = d
			found = true
			continue
		}
		if d.Confidence.Rank() > best.Confidence.Rank() {
			best = d
		}
	}
	return best, found
}

func makeDetection(kind model.PromptKind, conf model.Confidence, stripped string) Detection {
	excerpt := tail(stripped, excerptMaxChars)
	excerpt = redact.Redact(excerpt)
	sum := sha256.Sum256([]byte(stripped))
	return Detection{
		Kind:        kind,
		Confidence:  conf,
		Excerpt:     excerpt,
		ContentHash: hex.EncodeToString(sum[:]),
	}
}

func tail(s string, n int) string {
	r := []rune(strings.TrimRight(s, "\x00"))
	if len(r) <= n {
		return string(r)
	}
	return string(r[len(r)-n:])
}

// Dedup reports whether hash was already observed within the last 30
// seconds. The first observation within a window returns false (not a
// duplicate) and records the hash; subsequent observations within the
// window return true. Expired entries are pruned lazily on each call.
func (d *Detector) Dedup(hash string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	for h, t := range d.seen {
		if now.Sub(t) > dedupWindow {
			delete(d.seen, h)
		}
	}

	if t, ok := d.seen[hash]; ok && now.Sub(t) <= dedupWindow {
		return true
	}
	d.seen[hash] = now
	return false
}
