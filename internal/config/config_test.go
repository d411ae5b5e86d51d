package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1500, cfg.Context.MaxContextTokens)
	assert.Equal(t, 2, cfg.Worker.Parallelism)
	assert.Equal(t, 0.6, cfg.Skills.MinQualityScore)
	assert.Equal(t, "simon", cfg.ServiceName)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
general:
  db_url: postgres://db/custom
  log_level: debug
  env: dev
worker:
  parallelism: 4
  lease: 90s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/custom", cfg.General.DBURL)
	assert.Equal(t, 4, cfg.Worker.Parallelism)
	assert.Equal(t, 90*time.Second, cfg.Worker.Lease)
	assert.True(t, cfg.IsDev())
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Skills.MaxAutoPerDay)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_URL", "postgres://env/wins")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/wins", cfg.General.DBURL)
	assert.Equal(t, "sk-test", cfg.Model.APIKey)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
general:
  log_level: shouting
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
