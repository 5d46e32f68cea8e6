package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "openai", cfg.LLM.Provider)
	require.Equal(t, "5m", cfg.Cache.TTL)
	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
llm:
  provider: gemini
  model: gemini-2.5-flash
budgets:
  utility: 100
  reasoning: 200
  deep_think: 300
resilience:
  timeout: 5s
  retries: 3
cache:
  ttl: 90s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "gemini", cfg.LLM.Provider)
	require.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
	require.Equal(t, 100, cfg.Budgets.Utility)
	require.Equal(t, 300, cfg.Budgets.DeepThink)
	require.Equal(t, 5*time.Second, cfg.LLMTimeout())
	require.Equal(t, 90*time.Second, cfg.CacheTTL())
	// Unset sections keep defaults.
	require.Equal(t, "data/alchemist.db", cfg.Storage.DatabasePath)
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "sk-test", cfg.LLM.APIKey)

	t.Setenv("ALCHEMIST_API_KEY", "sk-generic")
	cfg, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "sk-generic", cfg.LLM.APIKey, "generic key should win")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Provider = "mystery"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Budgets.Utility = cfg.Budgets.DeepThink + 1
	require.Error(t, cfg.Validate(), "inverted budgets must fail validation")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.LLM.Model = "custom-model"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "custom-model", got.LLM.Model)
}

func TestParseDurationFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resilience.Backoff = "not-a-duration"
	require.Equal(t, 500*time.Millisecond, cfg.RetryBackoff())
}
