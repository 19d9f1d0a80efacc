package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	l, err := New(DefaultConfig())
	require.NoError(t, err)
	defer l.Close()

	assert.NotNil(t, l)
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "mnemo.log")

	l, err := New(Config{
		Level: "debug",
		File:  logPath,
	})
	require.NoError(t, err)

	l.Info().Str("component", "store").Msg("record stored")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "record stored")
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "loud", Console: false})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "info", l.GetZerolog().GetLevel().String())
}

func TestNew_RedactsFileOutput(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "mnemo.log")

	l, err := New(Config{
		Level:     "info",
		File:      logPath,
		Redaction: true,
	})
	require.NoError(t, err)

	l.Info().Str("auth", "Bearer abc123def456ghi789").Msg("remote push")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "abc123def456ghi789")
	assert.Contains(t, string(data), "[REDACTED]")
}
