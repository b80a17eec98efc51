package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaults 测试默认配置
func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 6, cfg.Negotiation.MaxRounds)
	assert.Equal(t, 3, cfg.Negotiation.Concurrency)
	assert.Equal(t, 10.0, cfg.Negotiation.CloseEnoughPct)
	assert.Equal(t, 2, cfg.Negotiation.StubbornRounds)
	assert.Equal(t, time.Hour, cfg.Negotiation.ResultRetention)
	assert.Equal(t, 5*time.Second, cfg.Voice.QuietWindow)
	assert.Equal(t, 3*time.Second, cfg.Voice.RetryWait)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, "bulbul:v2", cfg.Sarvam.TTSModel)
	assert.Equal(t, "gemini-2.0-flash", cfg.Gemini.Model)
	assert.Equal(t, int32(200), cfg.Gemini.MaxOutputTokens)
}

// TestLoadFileAndEnv 测试配置文件与环境变量覆盖
func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bargainer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
negotiation:
  max_rounds: 8
  close_enough_pct: 5
store:
  backend: redis
`), 0o644))

	t.Setenv("BARGAINER_NEGOTIATION_CONCURRENCY", "7")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Negotiation.MaxRounds)
	assert.Equal(t, 5.0, cfg.Negotiation.CloseEnoughPct)
	assert.Equal(t, 7, cfg.Negotiation.Concurrency)
	assert.Equal(t, StoreRedis, cfg.Store.Backend)
}

// TestValidateRejects 测试非法配置被拒绝
func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "mongo"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Negotiation.MaxRounds = 1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Archive.Enabled = true
	assert.Error(t, cfg.Validate())
}

// TestManagerReloadNotifiesListeners 测试热更新回调
func TestManagerReloadNotifiesListeners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bargainer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("negotiation:\n  max_rounds: 6\n"), 0o644))

	cm := NewConfigManager(WithConfigPath(path))
	cfg, err := cm.Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Negotiation.MaxRounds)

	var seen *AppConfig
	cm.OnChange(func(old, updated *AppConfig) { seen = updated })

	require.NoError(t, os.WriteFile(path, []byte("negotiation:\n  max_rounds: 4\n"), 0o644))
	require.NoError(t, cm.Reload())

	require.NotNil(t, seen)
	assert.Equal(t, 4, seen.Negotiation.MaxRounds)

	current, err := cm.Get()
	require.NoError(t, err)
	assert.Equal(t, 4, current.Negotiation.MaxRounds)

	// 非法修改保留旧配置
	require.NoError(t, os.WriteFile(path, []byte("negotiation:\n  max_rounds: 1\n"), 0o644))
	assert.Error(t, cm.Reload())
	current, _ = cm.Get()
	assert.Equal(t, 4, current.Negotiation.MaxRounds)
}
