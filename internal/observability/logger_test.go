package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Options{Level: "info", Format: "json"}, &buf)
	logger.Info("batch started", slog.String("input", "/media/in"))

	output := buf.String()
	assert.Contains(t, output, "batch started")
	assert.Contains(t, output, `"input":"/media/in"`)

	var parsed map[string]any
	err := json.Unmarshal(buf.Bytes(), &parsed)
	require.NoError(t, err)
}

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Options{Level: "info", Format: "text"}, &buf)
	logger.Info("batch started", slog.String("input", "/media/in"))

	output := buf.String()
	assert.Contains(t, output, "batch started")
	assert.Contains(t, output, "input=/media/in")
}

func TestNewLoggerWithWriter_Levels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"info logs at info level", "info", slog.LevelInfo, true},
		{"warn does not log info", "warn", slog.LevelInfo, false},
		{"error does not log warn", "error", slog.LevelWarn, false},
		{"error logs at error level", "error", slog.LevelError, true},
		{"unknown defaults to info", "loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(Options{Level: tt.configLevel, Format: "json"}, &buf)
			logger.Log(context.Background(), tt.logLevel, "probe")

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Options{Level: "info", Format: "json"}, &buf)

	WithComponent(logger, "scheduler").Info("dispatching")
	assert.Contains(t, buf.String(), `"component":"scheduler"`)
}

func TestWithJobID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Options{Level: "info", Format: "json"}, &buf)

	WithJobID(logger, "01JA0000000000000000000000").Info("sealed")
	assert.Contains(t, buf.String(), `"job_id":"01JA0000000000000000000000"`)
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Options{Level: "info", Format: "json"}, &buf)

	WithError(logger, errors.New("spawn refused")).Error("job failed")
	assert.Contains(t, buf.String(), `"error":"spawn refused"`)

	buf.Reset()
	WithError(logger, nil).Info("clean")
	assert.NotContains(t, buf.String(), `"error"`)
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Options{Level: "info", Format: "json"}, &buf)

	ctx := ContextWithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("from context")
	assert.Contains(t, buf.String(), "from context")

	// Falls back to the default when the context carries no logger.
	assert.NotNil(t, LoggerFromContext(context.Background()))
}

func TestTimedStage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Options{Level: "debug", Format: "json"}, &buf)

	var err error
	done := TimedStage(context.Background(), logger, "intake", &err)
	done()
	assert.Contains(t, buf.String(), "stage completed")

	buf.Reset()
	err = errors.New("unreadable input")
	done = TimedStage(context.Background(), logger, "intake", &err)
	done()
	assert.Contains(t, buf.String(), "stage failed")
	assert.Contains(t, buf.String(), "unreadable input")
}
