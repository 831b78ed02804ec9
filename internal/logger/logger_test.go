package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-tick/caretaker/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, logger.ParseLevel(tt.in))
		})
	}
}

func TestValidLevel(t *testing.T) {
	assert.True(t, logger.ValidLevel("info"))
	assert.True(t, logger.ValidLevel(""))
	assert.False(t, logger.ValidLevel("verbose"))
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	l, err := logger.New(logger.Config{Level: "debug", OutputPaths: []string{path}})
	require.NoError(t, err)

	l.With(logger.String("job", "disk-check")).Info("job completed", logger.Int("attempts", 2))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"job completed"`)
	assert.Contains(t, string(data), `"job":"disk-check"`)
	assert.Contains(t, string(data), `"attempts":2`)
}

func TestNopDiscards(t *testing.T) {
	l := logger.NewNop()
	l.Error("ignored", logger.Error(os.ErrNotExist))
	assert.Same(t, l, l.With(logger.String("a", "b")))
	assert.NoError(t, l.Sync())
}
