package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LogLevel is the severity threshold for a Logger.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = []string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string { return levelNames[l] }

var slogLevels = map[LogLevel]slog.Level{
	DebugLevel: slog.LevelDebug,
	InfoLevel:  slog.LevelInfo,
	WarnLevel:  slog.LevelWarn,
	ErrorLevel: slog.LevelError,
}

func (l LogLevel) toSlogLevel() slog.Level {
	if sl, ok := slogLevels[l]; ok {
		return sl
	}
	return slog.LevelInfo
}

// Logger wraps slog with a JSON handler and leveled, printf-style helpers.
type Logger struct {
	logger *slog.Logger
	level  LogLevel
}

// NewLogger builds a JSON logger writing to output (stdout when nil).
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: level.toSlogLevel(),
	})
	return &Logger{logger: slog.New(handler), level: level}
}

// Slog returns the underlying slog logger for packages that take one directly.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// WithField returns a logger that adds key=value to every record.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With(key, value), level: l.level}
}

// WithFields returns a logger that adds every entry of fields to every record.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{logger: l.logger.With(args...), level: l.level}
}

// WithError attaches err under the "error" key. A nil err returns l unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(message string) { l.logger.Debug(message) }
func (l *Logger) Info(message string)  { l.logger.Info(message) }
func (l *Logger) Warn(message string)  { l.logger.Warn(message) }
func (l *Logger) Error(message string) { l.logger.Error(message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

type contextKey string

const (
	// RequestIDKey carries the request id assigned by the HTTP middleware.
	RequestIDKey contextKey = "request_id"
	// UserIDKey carries the acting user's id once the guard has resolved it.
	UserIDKey contextKey = "user_id"
	// LoggerKey carries a request-scoped logger.
	LoggerKey contextKey = "logger"
)

// WithRequestID stores a request id in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the request id, or "" when none was stored.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithUserID stores the acting user id in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the acting user id, or "" when none was stored.
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// WithLogger stores a request-scoped logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetLogger returns the context's logger, or a default stdout logger.
func GetLogger(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerKey).(*Logger); ok {
		return logger
	}
	return NewLogger(InfoLevel, os.Stdout)
}

// FromContext returns the context's logger annotated with the request id and
// user id when present.
func FromContext(ctx context.Context) *Logger {
	logger := GetLogger(ctx)
	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.WithField("request_id", requestID)
	}
	if userID := GetUserID(ctx); userID != "" {
		logger = logger.WithField("user_id", userID)
	}
	return logger
}
