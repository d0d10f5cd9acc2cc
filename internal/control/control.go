// Package control persists the small set of runtime flags the CLI needs
// to toggle without a restart: whether channel delivery is paused, and
// the active autopilot mode. It is deliberately a flat JSON file next to
// the store, not a database table, grounded on the pack's simplest
// sidecar-file pattern (rcourtman-Pulse's bootstrap token file) rather
// than adding a migration for two booleans-and-a-string.
package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// State is the persisted control-plane flag set.
type State struct {
	Paused       bool   `json:"paused"`
	AutopilotMode string `json:"autopilot_mode"` // "off" | "assist" | "full"
}

// Path returns the control-state file path for a given store file path:
// sibling to it, named "<base>.control.json".
func Path(storePath string) string {
	return storePath + ".control.json"
}

// Load reads the control state, returning the zero value (not paused,
// autopilot "off") if the file does not yet exist.
func Load(path string) (State, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{AutopilotMode: "off"}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("control: read %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("control: parse %s: %w", path, err)
	}
	if s.AutopilotMode == "" {
		s.AutopilotMode = "off"
	}
	return s, nil
}

// Save writes the control state atomically via a temp-file rename, so a
// crash mid-write never leaves a half-written control file behind.
func Save(path string, s State) error {
	tmp := path + ".tmp"
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("control: marshal state: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("control: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("control: rename %s: %w", tmp, err)
	}
	return nil
}

// ValidModes lists the recognized autopilot modes.
var ValidModes = map[string]bool{"off": true, "assist": true, "full": true}

// EnsureDir makes sure the directory containing path exists.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
