package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8006, cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.DBHost)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, "file://migrations", cfg.MigrationPath)
	assert.Equal(t, "./storage/temp", cfg.TempStoragePath)
	assert.Equal(t, 2018, cfg.YearMin)
	assert.Equal(t, 2025, cfg.YearMax)
	assert.Equal(t, 30, cfg.WebhookTimeoutSeconds)
	assert.Equal(t, 5, cfg.WebhookMaxAttempts)
	assert.Equal(t, 2, cfg.WebhookBackoffBaseSeconds)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("WEBHOOK_MAX_RETRIES", "3")
	t.Setenv("IMAGERY_YEAR_MIN", "2015")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ServerPort)
	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, 3, cfg.WebhookMaxAttempts)
	assert.Equal(t, 2015, cfg.YearMin)
}

func TestValidate_MissingRequired(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"db host", func(c *Config) { c.DBHost = "" }},
		{"db user", func(c *Config) { c.DBUser = "" }},
		{"db name", func(c *Config) { c.DBName = "" }},
		{"tool binary", func(c *Config) { c.GEHIBinary = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrMissingRequired)
		})
	}
}

func TestValidate_YearWindow(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.YearMin = 2026
	cfg.YearMax = 2025
	assert.Error(t, cfg.Validate())

	cfg.YearMin = 2025
	assert.NoError(t, cfg.Validate())
}
