package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/controlhub/controlhub/pkg/contextkeys"
)

// Logger is a sink for audit events.
type Logger interface {
	// Log records a fully built event.
	Log(ctx context.Context, event *Event) error

	// LogAuth records an authentication event for the given account.
	LogAuth(ctx context.Context, action Action, userID *int64, email string, status Status, message string) error

	// LogAdmin records an administrative action against a target resource.
	LogAdmin(ctx context.Context, action Action, actorID *int64, actorEmail string, targetType TargetType, targetID, targetLabel string, details map[string]any) error

	// LogHTTPRequest records a completed HTTP request.
	LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration) error

	// Close flushes buffered events and releases resources.
	Close() error
}

// WithLogger stores the audit logger on the context.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return contextkeys.WithAuditLogger(ctx, logger)
}

// FromContext retrieves the audit logger from the context, or a no-op
// sink when none was installed.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoOp()
}

// NoOp returns a logger that discards everything. Useful in tests.
func NoOp() Logger { return noOpLogger{} }

type noOpLogger struct{}

func (noOpLogger) Log(context.Context, *Event) error { return nil }
func (noOpLogger) LogAuth(context.Context, Action, *int64, string, Status, string) error {
	return nil
}
func (noOpLogger) LogAdmin(context.Context, Action, *int64, string, TargetType, string, string, map[string]any) error {
	return nil
}
func (noOpLogger) LogHTTPRequest(context.Context, *http.Request, int, time.Duration) error {
	return nil
}
func (noOpLogger) Close() error { return nil }

// newEvent builds the common envelope, pulling request context when present.
func newEvent(ctx context.Context, action Action, status Status) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
	}
}

func requestEvent(ctx context.Context, r *http.Request, statusCode int) *Event {
	event := newEvent(ctx, ActionHTTPRequest, StatusSuccess)
	if statusCode >= 400 {
		event.Status = StatusFailure
	}
	event.TargetType = TargetHTTP
	event.Method = r.Method
	event.Path = r.URL.Path
	event.StatusCode = statusCode
	event.IPAddress = clientIP(r)
	event.UserAgent = r.UserAgent()
	return event
}

// clientIP extracts the originating address, honoring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
