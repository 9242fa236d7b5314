package audit

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// MultiLogger fans events out to several sinks. Every sink is attempted
// even when an earlier one fails; the errors are joined.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines the given sinks into one.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log sends the event to every sink.
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogAuth sends the authentication event to every sink.
func (m *MultiLogger) LogAuth(ctx context.Context, action Action, userID *int64, email string, status Status, message string) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.LogAuth(ctx, action, userID, email, status, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogAdmin sends the admin event to every sink.
func (m *MultiLogger) LogAdmin(ctx context.Context, action Action, actorID *int64, actorEmail string, targetType TargetType, targetID, targetLabel string, details map[string]any) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.LogAdmin(ctx, action, actorID, actorEmail, targetType, targetID, targetLabel, details); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogHTTPRequest sends the request event to every sink.
func (m *MultiLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.LogHTTPRequest(ctx, r, statusCode, duration); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
