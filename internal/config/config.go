// Package config loads the supervisor's YAML configuration file (spec
// section 6), generalizing the pack's goclaw internal/config JSON
// approach to YAML and to this system's channel/session/store shape.
// Secrets (bot tokens, webhook URLs) are never read from the file itself:
// they come from environment variables only, so a config file checked
// into version control never leaks a credential.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChannelConfig binds one outbound/inbound channel transport.
type ChannelConfig struct {
	Kind      string   `yaml:"kind"` // "telegram" | "slack"
	Allowlist []string `yaml:"allowlist"`
	Paused    bool     `yaml:"paused,omitempty"`

	// Token is intentionally absent from the file format; TokenEnv names
	// the environment variable holding the bot/webhook credential.
	TokenEnv string `yaml:"token_env"`

	// SigningSecretEnv names the environment variable holding the
	// Slack Events API signing secret. Unused by the Telegram channel.
	SigningSecretEnv string `yaml:"signing_secret_env,omitempty"`

	// WebhookAddr is the listen address for a channel that receives
	// inbound replies via HTTP webhook (Slack's Events API) rather than
	// polling. Unused by the Telegram channel.
	WebhookAddr string `yaml:"webhook_addr,omitempty"`
}

// StoreConfig locates the SQLite database file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SessionDefaults controls defaults applied to newly created sessions.
type SessionDefaults struct {
	PromptTTLSeconds int    `yaml:"prompt_ttl_seconds"`
	AutonomyMode     string `yaml:"autonomy_mode"`
}

// Config is the root of config.yaml.
type Config struct {
	PolicyPath   string          `yaml:"policy_path"`
	Store        StoreConfig     `yaml:"store"`
	Channels     []ChannelConfig `yaml:"channels"`
	Sessions     SessionDefaults `yaml:"sessions"`
	TraceDir     string          `yaml:"trace_dir"`
	OpviewAddr   string          `yaml:"opview_addr,omitempty"`
}

// SecretResolver resolves a named secret from wherever the deployment
// keeps it (environment variable, OS keyring, ...). The OS-keyring-backed
// implementation is out of scope; Env is the only resolver this package
// ships.
type SecretResolver interface {
	Resolve(envVar string) (string, bool)
}

// EnvResolver resolves secrets from process environment variables.
type EnvResolver struct{}

// Resolve looks up envVar in the process environment.
func (EnvResolver) Resolve(envVar string) (string, bool) {
	return os.LookupEnv(envVar)
}

// Load reads and parses path, requiring it be readable only by its owner
// (mode 0600 or stricter) so a shared-host misconfiguration can't leak
// channel allowlists or store paths to other local users.
func Load(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return Config{}, fmt.Errorf("config: %s is readable by group/other (mode %v); chmod 600 it", path, info.Mode().Perm())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Sessions.PromptTTLSeconds <= 0 {
		cfg.Sessions.PromptTTLSeconds = 300
	}
	return cfg, nil
}

// ResolveToken resolves a channel's credential via resolver, erroring if
// the named environment variable is unset.
func ResolveToken(resolver SecretResolver, ch ChannelConfig) (string, error) {
	if ch.TokenEnv == "" {
		return "", fmt.Errorf("config: channel %q has no token_env set", ch.Kind)
	}
	token, ok := resolver.Resolve(ch.TokenEnv)
	if !ok || token == "" {
		return "", fmt.Errorf("config: environment variable %s for channel %q is not set", ch.TokenEnv, ch.Kind)
	}
	return token, nil
}

// ResolveSigningSecret resolves a channel's webhook signing secret, for
// channels (Slack) that verify inbound requests with one.
func ResolveSigningSecret(resolver SecretResolver, ch ChannelConfig) (string, error) {
	if ch.SigningSecretEnv == "" {
		return "", fmt.Errorf("config: channel %q has no signing_secret_env set", ch.Kind)
	}
	secret, ok := resolver.Resolve(ch.SigningSecretEnv)
	if !ok || secret == "" {
		return "", fmt.Errorf("config: environment variable %s for channel %q is not set", ch.SigningSecretEnv, ch.Kind)
	}
	return secret, nil
}
