package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewDefaultsOutputPaths(t *testing.T) {
	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil).Logger)

	l := NewDevelopment()
	assert.Same(t, l, OrNop(l))
}

func TestWriterRelaysLines(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewWithCore(core).Named("child")

	w := logger.Writer(zapcore.WarnLevel)
	_, err := fmt.Fprint(w, "first line\nsecond line\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "first line", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "child", entries[1].LoggerName)
}

func TestWithAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	NewWithCore(core).With(zap.String("run_id", "run_1")).Info("started")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "run_1", logs.All()[0].ContextMap()["run_id"])
}
