package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type logEntry struct {
	Level     string `json:"level"`
	Message   string `json:"msg"`
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) logEntry {
	t.Helper()
	var entry logEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		if buf.Len() > 0 {
			t.Error("Debug message should not be logged at Info level")
		}
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		entry := decodeEntry(t, &buf)
		if entry.Level != "INFO" {
			t.Errorf("Expected level INFO, got %s", entry.Level)
		}
		if entry.Message != "info message" {
			t.Errorf("Expected message 'info message', got %s", entry.Message)
		}
	})

	t.Run("warn logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Warn("warn message")
		entry := decodeEntry(t, &buf)
		if entry.Level != "WARN" {
			t.Errorf("Expected level WARN, got %s", entry.Level)
		}
	})

	t.Run("error logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Error("error message")
		entry := decodeEntry(t, &buf)
		if entry.Level != "ERROR" {
			t.Errorf("Expected level ERROR, got %s", entry.Level)
		}
	})

	t.Run("debug logged at debug level", func(t *testing.T) {
		var debugBuf bytes.Buffer
		debugLogger := NewLogger(DebugLevel, &debugBuf)
		debugLogger.Debug("debug message")
		if debugBuf.Len() == 0 {
			t.Error("Debug message should be logged at Debug level")
		}
	})
}

func TestLogger_Formatted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Infof("user %d logged in via %s", 42, "cognito")
	entry := decodeEntry(t, &buf)
	if entry.Message != "user 42 logged in via cognito" {
		t.Errorf("Unexpected formatted message: %s", entry.Message)
	}
}

func TestLogger_WithField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("request_id", "abc-123").Info("handled")
	entry := decodeEntry(t, &buf)
	if entry.RequestID != "abc-123" {
		t.Errorf("Expected request_id abc-123, got %s", entry.RequestID)
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"request_id": "abc-123",
		"user_id":    "7",
	}).Info("handled")

	entry := decodeEntry(t, &buf)
	if entry.RequestID != "abc-123" || entry.UserID != "7" {
		t.Errorf("Expected both fields, got %+v", entry)
	}
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("non-nil error", func(t *testing.T) {
		buf.Reset()
		logger.WithError(errors.New("boom")).Error("operation failed")
		entry := decodeEntry(t, &buf)
		if entry.Error != "boom" {
			t.Errorf("Expected error field 'boom', got %s", entry.Error)
		}
	})

	t.Run("nil error returns same logger", func(t *testing.T) {
		if got := logger.WithError(nil); got != logger {
			t.Error("WithError(nil) should return the receiver")
		}
	})
}

func TestLogger_Slog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	slogger := logger.Slog()
	if slogger == nil {
		t.Fatal("Expected non-nil slog logger")
	}

	slogger.Info("via slog")
	if !strings.Contains(buf.String(), "via slog") {
		t.Error("Expected slog output in the same writer")
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("LogLevel(%d).String() = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()

	t.Run("request id round trip", func(t *testing.T) {
		ctx := WithRequestID(ctx, "req-1")
		if got := GetRequestID(ctx); got != "req-1" {
			t.Errorf("Expected req-1, got %s", got)
		}
	})

	t.Run("missing request id", func(t *testing.T) {
		if got := GetRequestID(ctx); got != "" {
			t.Errorf("Expected empty request id, got %s", got)
		}
	})

	t.Run("user id round trip", func(t *testing.T) {
		ctx := WithUserID(ctx, "42")
		if got := GetUserID(ctx); got != "42" {
			t.Errorf("Expected 42, got %s", got)
		}
	})

	t.Run("logger round trip", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(InfoLevel, &buf)
		ctx := WithLogger(ctx, logger)
		if got := GetLogger(ctx); got != logger {
			t.Error("Expected the stored logger back")
		}
	})

	t.Run("missing logger returns default", func(t *testing.T) {
		if got := GetLogger(ctx); got == nil {
			t.Error("Expected a default logger, got nil")
		}
	})

	t.Run("FromContext attaches ids", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(InfoLevel, &buf)
		ctx := WithLogger(ctx, logger)
		ctx = WithRequestID(ctx, "req-9")
		ctx = WithUserID(ctx, "3")

		FromContext(ctx).Info("scoped")

		entry := decodeEntry(t, &buf)
		if entry.RequestID != "req-9" || entry.UserID != "3" {
			t.Errorf("Expected ids attached, got %+v", entry)
		}
	})
}
