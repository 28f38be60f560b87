package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesOriginalConstants(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 120, cfg.Catalog.ItemsPerPage)
	assert.Equal(t, 50, cfg.Catalog.MaxPages)
	assert.Equal(t, 2*time.Second, cfg.Catalog.PageDelay)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 30*time.Second, cfg.Retry.Timeout)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
pipeline:
  workers: 4
retry:
  base_delay: 500ms
store:
  driver: redis
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("INGEST_CATALOG_MAX_PAGES", "7")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 7, cfg.Catalog.MaxPages)
	assert.Equal(t, 120, cfg.Catalog.ItemsPerPage)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Pipeline.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Retry.Multiplier = 0.5
	assert.Error(t, cfg.Validate())
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, Name: "n", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=disable", d.DSN())
}
