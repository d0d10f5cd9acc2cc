package childproc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("claude", Profile{Command: "claude", BaseArgs: []string{"--interactive"}})

	p, ok := r.Resolve("claude")
	require.True(t, ok)
	require.Equal(t, "claude", p.Name)
	require.Equal(t, []string{"--interactive"}, p.BaseArgs)

	_, ok = r.Resolve("missing")
	require.False(t, ok)
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register("b", Profile{Command: "b"})
	r.Register("a", Profile{Command: "a"})
	require.Equal(t, []string{"a", "b"}, r.Names())
}

func TestBuildEnvStripsDenyPrefixesAndApplysOverrides(t *testing.T) {
	t.Setenv("SENTINEL_SECRET", "shh")
	t.Setenv("KEEP_ME", "yes")

	env := BuildEnv([]string{"SENTINEL_"}, map[string]string{"KEEP_ME": "override"})

	for _, kv := range env {
		require.NotContains(t, kv, "SENTINEL_SECRET")
	}
	require.Contains(t, env, "KEEP_ME=override")
}

func TestBuildEnvSkipsBlankOverrideKeys(t *testing.T) {
	os.Unsetenv("UNRELATED")
	env := BuildEnv(nil, map[string]string{"": "ignored", "X": "1"})
	require.Contains(t, env, "X=1")
}
