package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 50, cfg.RateLimit.GlobalRequestsPerSecond)
	assert.Equal(t, "auto", cfg.Isolation.Mode)
	assert.Equal(t, 15*time.Second, cfg.Isolation.StartTimeout)
	assert.Equal(t, "zstd", cfg.Isolation.Compression)
	assert.Equal(t, []string{"merge"}, cfg.Coverage.MergeArgs)
	assert.Equal(t, "**/*.collector.yaml", cfg.Extensions.Pattern)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("ISOLATION_MODE", "")
	t.Setenv("COVERAGE_MERGE_ARGS", "merge,--quiet")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.Isolation.Mode)
	assert.Equal(t, 5*time.Second, cfg.Isolation.ShutdownTimeout)
	assert.Equal(t, time.Minute, cfg.Isolation.BreakerCooldown)
	assert.Equal(t, []string{"merge", "--quiet"}, cfg.Coverage.MergeArgs)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                       "9000",
		"LOG_LEVEL":                  "debug",
		"LOG_DEV":                    "true",
		"RATE_LIMIT_ENABLED":         "false",
		"RATE_LIMIT_GLOBAL_RPS":      "0",
		"ISOLATION_MODE":             "process",
		"ISOLATION_START_TIMEOUT":    "2s",
		"ISOLATION_COMPRESSION":      "",
		"ISOLATION_BREAKER_FAILURES": "7",
		"COVERAGE_MERGE_TOOL":        "/opt/tools/merge",
		"COVERAGE_MERGE_MODE":        "cobertura",
		"EXTENSION_DIRS":             "/opt/ext,/usr/lib/ext",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Zero(t, cfg.RateLimit.GlobalRequestsPerSecond)
	assert.Equal(t, "process", cfg.Isolation.Mode)
	assert.Equal(t, 2*time.Second, cfg.Isolation.StartTimeout)
	assert.Empty(t, cfg.Isolation.Compression)
	assert.Equal(t, uint32(7), cfg.Isolation.BreakerFailures)
	assert.Equal(t, "/opt/tools/merge", cfg.Coverage.MergeTool)
	assert.Equal(t, "cobertura", cfg.Coverage.MergeMode)
	assert.Equal(t, []string{"/opt/ext", "/usr/lib/ext"}, cfg.Extensions.Dirs)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("ISOLATION_SHUTDOWN_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)

	assert.Equal(t, Default(), LoadOrDefault())
}
