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
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		dir := writeConfig(t, "chain:\n  rpc_url: http://localhost:8545\n  network_id: 31337\n")

		cfg, err := LoadConfig(dir)

		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
		assert.Equal(t, int64(31337), cfg.Chain.NetworkID)
		assert.Equal(t, uint64(20), cfg.Chain.GasMarginPercent)
		assert.Equal(t, 2*time.Minute, cfg.Chain.ConfirmTimeout)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, "@every 30s", cfg.Reconcile.Schedule)
		assert.Equal(t, 200, cfg.Lifecycle.PortfolioPageSize)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		dir := writeConfig(t, `
chain:
  confirm_timeout: 45s
  gas_margin_percent: 35
database:
  driver: postgres
  dsn: postgres://localhost/signals
reconcile:
  expire_after: 72h
`)

		cfg, err := LoadConfig(dir)

		require.NoError(t, err)
		assert.Equal(t, 45*time.Second, cfg.Chain.ConfirmTimeout)
		assert.Equal(t, uint64(35), cfg.Chain.GasMarginPercent)
		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.Equal(t, 72*time.Hour, cfg.Reconcile.ExpireAfter)
	})

	t.Run("EnvironmentOverridesFile", func(t *testing.T) {
		dir := writeConfig(t, "logger:\n  level: info\n")
		t.Setenv("LOGGER_LEVEL", "debug")

		cfg, err := LoadConfig(dir)

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logger.Level)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadConfig(t.TempDir())
		assert.Error(t, err)
	})
}
