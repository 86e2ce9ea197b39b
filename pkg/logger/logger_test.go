package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-like-counter/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in), "level %q", in)
	}
}

func TestContextHandler_AddsIDs(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logger.Options{Level: "debug", Format: "json"})

	ctx := logger.WithRequestID(context.Background(), "req-1")
	ctx = logger.WithSessionID(ctx, "sess-9")
	log.With("component", "test").InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "sess-9", entry["session_id"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "req-1", logger.RequestID(ctx))
}

func TestMetrics(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logger.Options{Level: "info", Format: "json"})

	logger.Metrics(context.Background(), log, "commit", 1500*time.Microsecond, slog.String("path", "likes/counter"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "metrics", entry["msg"])
	assert.Equal(t, "commit", entry["operation"])
	assert.Equal(t, 1.5, entry["duration_ms"])
	assert.Equal(t, "likes/counter", entry["path"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logger.Options{Level: "warn", Format: "text"})

	log.Info("dropped")
	assert.Empty(t, buf.String())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
