package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Provider.ConnectTimeoutSec)
	assert.Equal(t, 120, cfg.Provider.ReadTimeoutSec)
	assert.Equal(t, 3, cfg.Provider.MaxRetries)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Provider.PlannerModel)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Provider.WriterModel)
	assert.Equal(t, "https://api.perplexity.ai", cfg.Provider.BaseURLSearch)
	assert.Equal(t, 10, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, 300, cfg.Orchestrator.DefaultTimeoutSec)
	assert.InDelta(t, 0.75, cfg.Orchestrator.QualityThreshold, 0.001)
	assert.Equal(t, 10, cfg.Orchestrator.MaxEvidencePerSubtask)
	assert.Equal(t, 5, cfg.Orchestrator.ResearcherConcurrency)
	assert.Equal(t, 4, cfg.Orchestrator.MaxRefinementsPerGap)
	assert.Equal(t, 100, cfg.RateLimit.PerMinute)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
log:
  level: debug
  format: console
server:
  port: 9090
orchestrator:
  max_concurrent_tasks: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrentTasks)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Orchestrator.MaxEvidencePerSubtask)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
log:
  level: debug
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("RESEARCH_MAX_CONCURRENT_TASKS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Orchestrator.MaxConcurrentTasks)
}

func TestLoadProviderKeysFromEnv(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("PROVIDER_API_KEY_TEXT", "sk-ant-test")
	t.Setenv("PROVIDER_API_KEY_SEARCH", "pplx-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.Provider.APIKeyText)
	assert.Equal(t, "pplx-test", cfg.Provider.APIKeySearch)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
