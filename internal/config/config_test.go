package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Chunking.MaxTokens)
	assert.Equal(t, 50, cfg.Chunking.OverlapTokens)
	assert.Equal(t, 32, cfg.Embedding.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 60.0, cfg.Query.RRFConstant)
	assert.Equal(t, 15*time.Minute, cfg.Reaper.Timeout)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.Window)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CHUNKING_MAX_TOKENS", "200")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(writeConfig(t, "chunking:\n  max_tokens: 300\n"))
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.Chunking.MaxTokens)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"overlap not below max", func(c *Config) { c.Chunking.OverlapTokens = c.Chunking.MaxTokens }},
		{"multiplier below two", func(c *Config) { c.Query.CandidateMultiplier = 1 }},
		{"zero retention", func(c *Config) { c.Retention.Window = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "{}\n"))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "w", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=w sslmode=disable", pg.DSN())

	pg.URL = "postgres://u:p@db/w"
	assert.Equal(t, "postgres://u:p@db/w", pg.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Path: "./x.db"}
	assert.Equal(t, "./x.db", lite.DSN())
}
