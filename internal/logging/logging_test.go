package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "", want: zapcore.WarnLevel},
		{in: "debug", want: zapcore.DebugLevel},
		{in: "INFO", want: zapcore.InfoLevel},
		{in: "Error", want: zapcore.ErrorLevel},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
	assert.Error(t, Options{Level: "info", Format: "xml"}.Validate())
	assert.Error(t, Options{Level: "nope"}.Validate())
}

func TestConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "info", Format: FormatConsole}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Named("sync").Infow("cycle finished", "outcome", "success")
	require.NoError(t, closeFn())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "cycle finished")
	assert.Contains(t, out, "sync")
	assert.Contains(t, out, `"outcome": "success"`)
}

func TestJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "debug", Format: FormatJSON}, &buf)
	require.NoError(t, err)

	logger.Debugw("planned", "operations", 3)
	require.NoError(t, closeFn())
	assert.Contains(t, buf.String(), `"operations":3`)
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "docsync.log")
	var console bytes.Buffer
	logger, closeFn, err := New(Options{Level: "warn", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)

	logger.Warnw("remote store unreachable", "attempt", 2)
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"remote store unreachable"`)
	assert.Contains(t, console.String(), "remote store unreachable")
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, _, err := New(Options{Level: "chatty"}, nil)
	assert.Error(t, err)
}
