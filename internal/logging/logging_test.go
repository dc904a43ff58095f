package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/package-cache/config"
)

func TestNewJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept", "package", "pkg.a#1.0.0")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "kept", line["msg"])
	require.Equal(t, "pkg.a#1.0.0", line["package"])
}

func TestNewTextConsole(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var buf bytes.Buffer
	logger, _, err := New(config.LogConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Debug("resolved version marker", "version", "4.0.1")
	require.Contains(t, buf.String(), "resolved version marker")
	require.Contains(t, buf.String(), "version=4.0.1")
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "package-cache.log")
	var console bytes.Buffer

	logger, closer, err := New(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to file")
	require.Empty(t, console.String())
}

func TestNewErrors(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud", Format: "text"}, &bytes.Buffer{})
	require.Error(t, err)

	_, _, err = New(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "invalid log format")
}
