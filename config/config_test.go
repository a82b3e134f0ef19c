package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gojotxn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 15*time.Minute, cfg.Database.IdleTimeout)
	require.Equal(t, time.Hour, cfg.Database.TransactionTimeout)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  format: json
database:
  name: test
  system_store: main
  idle_timeout: 30s
  transaction_timeout: 5m
stores:
  - name: main
    kind: bolt
    path: /tmp/main.db
  - name: index
    kind: badger
    in_memory: true
  - name: scratch
    kind: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "test", cfg.Database.Name)
	require.Equal(t, 30*time.Second, cfg.Database.IdleTimeout)
	require.Equal(t, 5*time.Minute, cfg.Database.TransactionTimeout)
	require.Len(t, cfg.Stores, 3)
	require.Equal(t, storage.KindBadger, cfg.Stores[1].Kind)
	require.True(t, cfg.Stores[1].InMemory)
	// Unset sections keep their defaults.
	require.Equal(t, "gojotxn", cfg.Telemetry.ServiceName)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "stores: [}"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "stores:\n  - {name: a, kind: memory}\n  - {name: a, kind: memory}\ndatabase: {system_store: a}\n"))
	require.ErrorIs(t, err, ErrDuplicateStore)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"no stores", func(c *Config) { c.Stores = nil }, ErrNoStores},
		{"missing system", func(c *Config) { c.Database.SystemStore = "other" }, ErrMissingSystem},
		{"unknown kind", func(c *Config) { c.Stores[0].Kind = "tape" }, storage.ErrUnknownKind},
		{"bolt without path", func(c *Config) { c.Stores[0].Kind = storage.KindBolt }, ErrMissingStorePath},
		{"badger without path", func(c *Config) { c.Stores[0].Kind = storage.KindBadger }, ErrMissingStorePath},
		{"negative timeout", func(c *Config) { c.Database.IdleTimeout = -time.Second }, ErrNegativeTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}
