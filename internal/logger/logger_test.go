package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"polybot/internal/config"
)

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "polybot.log")
	log, err := New(config.LogConfig{
		Level:    "info",
		Encoding: "json",
		File:     config.LogFileConfig{Path: path, MaxSizeMB: 1},
	})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("trade opened")
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(raw)
	if !strings.Contains(out, `"msg":"trade opened"`) {
		t.Fatalf("log=%q want trade opened line", out)
	}
	require.NotContains(t, out, "hidden")
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	log, err := New(config.LogConfig{Level: "loud", Encoding: "console"})
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(0))
	require.False(t, log.Core().Enabled(-1))
}
