package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"astromeas/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	logger.With("job", "abc").WithGroup("fit").Info("refined", "x", 1.5)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "[INFO] refined [job=abc fit.x=1.5]")
	assert.NotContains(t, out, "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "debug", "json").Debug("hello", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestSetupWritesDatedFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = t.TempDir()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := Setup(cfg)
	require.NoError(t, err)
	logger.Info("ping")

	matches, err := filepath.Glob(filepath.Join(cfg.Logging.LogDir, "astromeas-2*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "[INFO] ping")
}
