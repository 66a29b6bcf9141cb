package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLoggingConfig(t *testing.T, ws string, cfg loggingConfig) {
	t.Helper()
	dir := filepath.Join(ws, ".sigzero")
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.Marshal(configFile{Logging: cfg})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0644))
}

func resetLogging() {
	Close()
	logsDir = ""
	workspace = ""
	config = loggingConfig{}
	configLoaded = false
}

func TestInitialize_NoConfigIsSilent(t *testing.T) {
	t.Cleanup(resetLogging)

	ws := t.TempDir()
	require.NoError(t, Initialize(ws))
	assert.False(t, IsDebugMode())

	// No logs directory should be created in production mode.
	_, err := os.Stat(filepath.Join(ws, ".sigzero", "logs"))
	assert.True(t, os.IsNotExist(err))
}

func TestInitialize_DebugModeWritesFiles(t *testing.T) {
	t.Cleanup(resetLogging)

	ws := t.TempDir()
	writeLoggingConfig(t, ws, loggingConfig{DebugMode: true, Level: "debug"})
	require.NoError(t, Initialize(ws))
	assert.True(t, IsDebugMode())

	Loop("phase %s selected", "00-init")

	entries, err := os.ReadDir(filepath.Join(ws, ".sigzero", "logs"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestIsCategoryEnabled_Filter(t *testing.T) {
	t.Cleanup(resetLogging)

	ws := t.TempDir()
	writeLoggingConfig(t, ws, loggingConfig{
		DebugMode:  true,
		Level:      "info",
		Categories: map[string]bool{"loop": true, "store": false},
	})
	require.NoError(t, Initialize(ws))

	assert.True(t, IsCategoryEnabled(CategoryLoop))
	assert.False(t, IsCategoryEnabled(CategoryStore))
	// Unlisted categories default to enabled.
	assert.True(t, IsCategoryEnabled(CategoryEmbedding))
}

func TestGet_DisabledReturnsNoop(t *testing.T) {
	t.Cleanup(resetLogging)

	ws := t.TempDir()
	require.NoError(t, Initialize(ws))

	l := Get(CategoryLoop)
	require.NotNil(t, l)
	// No-op logger must not panic.
	l.Info("ignored")
	l.Error("ignored")
}
