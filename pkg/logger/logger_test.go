package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.log")

	l, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)
	l.Debug("write lock obtained")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, "gojotxn", entry["service"])
	require.Equal(t, "write lock obtained", entry["msg"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.log")

	l, err := New(Config{Level: "chatty", OutputFile: path, Service: "shell"})
	require.NoError(t, err)
	l.Debug("hidden")
	l.Info("shown")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden")
	require.Contains(t, string(data), `"service":"shell"`)
}

func TestNewRejectsUnwritableFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "txn.log")})
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
}
