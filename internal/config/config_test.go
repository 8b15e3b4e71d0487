package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "deepseek-chat", cfg.DeepSeekModel)
	assert.Equal(t, "https://api.deepseek.com/v1", cfg.DeepSeekBaseURL)
	assert.Equal(t, 20, cfg.MaxRounds)
	assert.Equal(t, 3, cfg.StaleRoundsLimit)
	assert.Equal(t, 3, cfg.RepairMaxRetries)
	assert.Equal(t, 100.0, cfg.WeeklyBudget)
	assert.Equal(t, 1000.0, cfg.WeeklyTarget)
	assert.Equal(t, "results", cfg.ResultsDir)
	assert.False(t, cfg.EnableWalkForward)
	assert.Nil(t, cfg.Windows)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_ROUNDS", "5")
	t.Setenv("WEEKLY_TARGET", "2000")
	t.Setenv("ENABLE_AUTO_REPAIR", "true")
	t.Setenv("COMPARISON_WINDOWS", "bull=20260101-20260201, bear=20260301-20260401")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxRounds)
	assert.Equal(t, 2000.0, cfg.WeeklyTarget)
	assert.True(t, cfg.EnableAutoRepair)
	assert.Equal(t, map[string]string{
		"bull": "20260101-20260201",
		"bear": "20260301-20260401",
	}, cfg.Windows)
}

func TestLoadRejectsMalformedWindows(t *testing.T) {
	t.Setenv("COMPARISON_WINDOWS", "bull=20260101-20260201,oops")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed pair")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero rounds",
			mutate:  func(c *Config) { c.MaxRounds = 0 },
			wantErr: "MAX_ROUNDS",
		},
		{
			name:    "target below budget",
			mutate:  func(c *Config) { c.WeeklyTarget = 50 },
			wantErr: "WEEKLY_TARGET",
		},
		{
			name:    "multi-window without windows",
			mutate:  func(c *Config) { c.EnableMultiWindow = true },
			wantErr: "COMPARISON_WINDOWS",
		},
		{
			name:    "walk-forward without OOS",
			mutate:  func(c *Config) { c.EnableWalkForward = true },
			wantErr: "TIMERANGE_OOS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				MaxRounds:        20,
				StaleRoundsLimit: 3,
				RepairMaxRetries: 3,
				WeeklyBudget:     100,
				WeeklyTarget:     1000,
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSystemPromptFileAndFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system_prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("custom prompt"), 0o644))

	cfg := &Config{SystemPromptPath: path}
	assert.Equal(t, "custom prompt", cfg.SystemPrompt("fallback"))

	cfg.SystemPromptPath = filepath.Join(dir, "missing.md")
	assert.Equal(t, "fallback", cfg.SystemPrompt("fallback"))
}
