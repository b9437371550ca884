package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/songzhibin97/ticketflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestInitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ticketflow.log")
	require.NoError(t, Init(&config.LoggingConfig{Level: "debug", Output: "file", File: path}))

	Named("workflow").Info("process started")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"process started"`))
	assert.True(t, strings.Contains(string(data), `"logger":"workflow"`))
}
