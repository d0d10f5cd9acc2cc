package policy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mylxsw/asteria/log"
	"gopkg.in/yaml.v3"

	"github.com/sentinel-hq/sentinel/internal/errs"
	"github.com/sentinel-hq/sentinel/internal/model"
)

// Load reads and parses the YAML policy file at path, resolves `extends`
// inheritance, and runs the forbidden-configuration checks of spec section
// 4.6. It returns errs.ErrPolicyInvalid (wrapped with detail) on any
// violation; callers must not install a policy that fails Load.
func Load(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses and validates policy YAML already in memory.
func Parse(raw []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("policy: parse: %w: %v", errs.ErrPolicyInvalid, err)
	}
	if err := validate(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// validate rejects configurations the spec forbids outright, regardless of
// autonomy mode: AUTO_REPLY on YES_NO below HIGH confidence, and AUTO_REPLY
// on FREE_TEXT, PASSWORD, or RAW_TERMINAL kinds (spec section 4.6 — these
// kinds carry either unbounded answer spaces or credential/raw-keystroke
// risk that no automatic reply can safely cover).
func validate(p Policy) error {
	ids := make(map[string]bool, len(p.Rules))
	resolved := resolveRules(p.Rules)

	for i, rule := range resolved {
		if rule.ID == "" {
			return fmt.Errorf("policy: rule at index %d has no id: %w", i, errs.ErrPolicyInvalid)
		}
		if ids[rule.ID] {
			return fmt.Errorf("policy: duplicate rule id %q: %w", rule.ID, errs.ErrPolicyInvalid)
		}
		ids[rule.ID] = true

		if rule.Extends != "" && !containsRuleID(p.Rules, rule.Extends) {
			return fmt.Errorf("policy: rule %q extends unknown rule %q: %w", rule.ID, rule.Extends, errs.ErrPolicyInvalid)
		}

		if rule.Action.Type != model.ActionAutoReply {
			continue
		}

		for _, k := range rule.Match.PromptTypes {
			switch k {
			case model.KindFreeText, model.KindPassword, model.KindRawTerminal:
				return fmt.Errorf("policy: rule %q: AUTO_REPLY forbidden for prompt_type %s: %w", rule.ID, k, errs.ErrPolicyInvalid)
			case model.KindYesNo:
				if rule.Match.MinConfidence != model.ConfidenceHigh {
					return fmt.Errorf("policy: rule %q: AUTO_REPLY on YES_NO requires min_confidence HIGH: %w", rule.ID, errs.ErrPolicyInvalid)
				}
			}
		}
	}
	return nil
}

func containsRuleID(rules []Rule, id string) bool {
	for _, r := range rules {
		if r.ID == id {
			return true
		}
	}
	return false
}

// Watcher hot-reloads a policy file on change (spec section 6), retaining
// the previously loaded policy whenever a reload fails validation so a bad
// edit never takes a running supervisor out of policy altogether.
type Watcher struct {
	mu      sync.RWMutex
	path    string
	current Policy
	watcher *fsnotify.Watcher
	onLoad  func(Policy)
}

// NewWatcher loads path once and starts watching it for changes. onLoad,
// if non-nil, is called after every successful (re)load, including the
// first.
func NewWatcher(path string, onLoad func(Policy)) (*Watcher, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, current: p, watcher: fw, onLoad: onLoad}
	if onLoad != nil {
		onLoad(p)
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("policy: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		log.Errorf("policy: reload of %s rejected, keeping previous policy: %v", w.path, err)
		return
	}
	w.mu.Lock()
	w.current = p
	w.mu.Unlock()
	log.Infof("policy: reloaded %s (version %d)", w.path, p.Version)
	if w.onLoad != nil {
		w.onLoad(p)
	}
}

// Current returns the most recently successfully loaded policy.
func (w *Watcher) Current() Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching the policy file.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
