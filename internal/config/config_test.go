package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), mode))
	return path
}

func TestLoadParsesConfig(t *testing.T) {
	path := writeConfig(t, `
policy_path: /etc/sentinel/policy.yaml
store:
  path: /var/lib/sentinel/sentinel.db
channels:
  - kind: telegram
    allowlist: ["user42"]
    token_env: SENTINEL_TELEGRAM_TOKEN
sessions:
  prompt_ttl_seconds: 120
  autonomy_mode: ASSIST
trace_dir: /var/lib/sentinel/trace
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/etc/sentinel/policy.yaml", cfg.PolicyPath)
	require.Equal(t, 120, cfg.Sessions.PromptTTLSeconds)
	require.Len(t, cfg.Channels, 1)
	require.Equal(t, "SENTINEL_TELEGRAM_TOKEN", cfg.Channels[0].TokenEnv)
}

func TestLoadAppliesDefaultTTL(t *testing.T) {
	path := writeConfig(t, `
policy_path: /etc/sentinel/policy.yaml
store:
  path: /var/lib/sentinel/sentinel.db
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 300, cfg.Sessions.PromptTTLSeconds)
}

func TestLoadRejectsWorldReadableFile(t *testing.T) {
	path := writeConfig(t, `policy_path: /etc/sentinel/policy.yaml`, 0o644)

	_, err := Load(path)
	require.Error(t, err)
}

func TestResolveTokenRequiresEnvVar(t *testing.T) {
	ch := ChannelConfig{Kind: "telegram", TokenEnv: "SENTINEL_TEST_TOKEN_XYZ"}
	_, err := ResolveToken(EnvResolver{}, ch)
	require.Error(t, err)

	t.Setenv("SENTINEL_TEST_TOKEN_XYZ", "secret-value")
	token, err := ResolveToken(EnvResolver{}, ch)
	require.NoError(t, err)
	require.Equal(t, "secret-value", token)
}

func TestResolveSigningSecretRequiresEnvVar(t *testing.T) {
	ch := ChannelConfig{Kind: "slack", SigningSecretEnv: "SENTINEL_TEST_SIGNING_SECRET_XYZ"}
	_, err := ResolveSigningSecret(EnvResolver{}, ch)
	require.Error(t, err)

	t.Setenv("SENTINEL_TEST_SIGNING_SECRET_XYZ", "shh")
	secret, err := ResolveSigningSecret(EnvResolver{}, ch)
	require.NoError(t, err)
	require.Equal(t, "shh", secret)
}
