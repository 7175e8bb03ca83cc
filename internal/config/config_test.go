package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DUPLICATE_HIGH_THRESHOLD", "")
	t.Setenv("AI_MAPPING_TIMEOUT_MS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.DuplicateHighThreshold)
	assert.Equal(t, 0.5, cfg.DuplicateMediumThreshold)
	assert.Equal(t, 10000, cfg.AIMappingTimeoutMs)
	assert.Equal(t, 100, cfg.ImportChunkSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IMPORT_CHUNK_SIZE", "250")
	t.Setenv("AI_MAPPING_ENABLED", "yes")
	t.Setenv("LOG_FORMAT", "JSON")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.ImportChunkSize)
	assert.True(t, cfg.AIMappingEnabled)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "high above one", mutate: func(c *Config) { c.DuplicateHighThreshold = 1.5 }},
		{name: "medium above high", mutate: func(c *Config) { c.DuplicateMediumThreshold = 0.9 }},
		{name: "zero chunk", mutate: func(c *Config) { c.ImportChunkSize = 0 }},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRequire(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Require("IMAP_HOST", "  "))
	assert.NoError(t, cfg.Require("IMAP_HOST", "imap.example.test"))
}
