package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetConfig(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { SetConfigForTesting(nil) })
}

func TestLoadConfigCreatesDefaults(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()

	require.NoError(t, LoadConfig(dir))

	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseDir, cfg.Workspace.BaseDir)
	assert.Equal(t, DefaultModel, cfg.Agents.ReasoningModel)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, 3*time.Minute, cfg.Resilience.RequestTimeout.Std())
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, dir, ProjectDir())

	_, err = os.Stat(filepath.Join(dir, ProjectConfigDir, ProjectConfigFilename))
	assert.NoError(t, err)
}

func TestLoadConfigKeepsFileValuesAndFillsGaps(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectConfigDir, ProjectConfigFilename)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{
		"workspace": {"base_dir": "/srv/repos", "command_timeout": "90s"},
		"agents": {"reasoning_model": "claude-sonnet-4-5", "max_steps": 12}
	}`), 0o644))

	require.NoError(t, LoadConfig(dir))
	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, "/srv/repos", cfg.Workspace.BaseDir)
	assert.Equal(t, 90*time.Second, cfg.Workspace.CommandTimeout.Std())
	assert.Equal(t, "claude-sonnet-4-5", cfg.Agents.ReasoningModel)
	assert.Equal(t, DefaultModel, cfg.Agents.PromptModel)
	assert.Equal(t, 12, cfg.Agents.MaxSteps)

	// Defaults are written back.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, DefaultBranch, onDisk.Workspace.DefaultBranch)
}

func TestLoadConfigRejectsBrokenFile(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectConfigDir, ProjectConfigFilename)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"server": `), 0o644))

	err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to overwrite")

	data, _ := os.ReadFile(path)
	assert.Equal(t, `{"server": `, string(data))
}

func TestLoadConfigRejectsUnknownModel(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectConfigDir, ProjectConfigFilename)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"agents": {"reflector_model": "mystery-7b"}}`), 0o644))

	err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reflector_model")
}

func TestEnvOverrides(t *testing.T) {
	resetConfig(t)
	t.Setenv(EnvBaseDir, "/tmp/override")
	t.Setenv(EnvModel, "gpt-4o")
	t.Setenv(EnvPort, "9090")
	t.Setenv(EnvMaxSteps, "7")
	t.Setenv(EnvOTLP, "http://collector:4318")

	require.NoError(t, LoadConfig(t.TempDir()))
	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override", cfg.Workspace.BaseDir)
	assert.Equal(t, "gpt-4o", cfg.Agents.PromptModel)
	assert.Equal(t, "gpt-4o", cfg.Agents.ReflectorModel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Agents.MaxSteps)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestGetConfigBeforeLoad(t *testing.T) {
	resetConfig(t)
	SetConfigForTesting(nil)
	_, err := GetConfig()
	assert.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, d.Std())

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	out, err := json.Marshal(Duration(5 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(out))
}

func TestGetModelProvider(t *testing.T) {
	tests := map[string]string{
		"deepseek-coder-v2":          ProviderOllama,
		"claude-3-5-sonnet-20241022": ProviderAnthropic,
		"claude-haiku-9":             ProviderAnthropic,
		"gpt-4.1":                    ProviderOpenAI,
		"gemini-2.5-pro":             ProviderGoogle,
		"ollama:granite-code":        ProviderOllama,
	}
	for model, want := range tests {
		got, err := GetModelProvider(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}
	_, err := GetModelProvider("mystery")
	assert.Error(t, err)
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 3.0+15.0, CalculateCost("claude-sonnet-4-5", 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, CalculateCost("deepseek-coder-v2", 5000, 5000))
	assert.Zero(t, CalculateCost("unpriced-model", 5000, 5000))
}

func TestGetAPIKey(t *testing.T) {
	t.Setenv(EnvAnthropicAPIKey, "")
	t.Setenv(EnvClaudeAPIKey, "sk-claude")
	t.Setenv(EnvOpenAIAPIKey, "")
	t.Setenv(EnvOllamaHost, "")
	SetDecryptedSecrets(nil)

	key, err := GetAPIKey(ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-claude", key)

	_, err = GetAPIKey(ProviderOpenAI)
	assert.Error(t, err)

	host, err := GetAPIKey(ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaHost, host)

	SetDecryptedSecrets(map[string]string{EnvOpenAIAPIKey: "sk-from-file"})
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
	key, err = GetAPIKey(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-file", key)

	_, err = GetAPIKey("nope")
	assert.Error(t, err)
}
