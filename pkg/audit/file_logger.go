package audit

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// FileLogger appends events as newline-delimited JSON to a local file.
// Intended for shipping to an external log collector.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewFileLogger opens (or creates) the audit log file in append mode.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileLogger{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Log appends the event as one JSON line.
func (l *FileLogger) Log(_ context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return l.writer.Flush()
}

// LogAuth records an authentication event.
func (l *FileLogger) LogAuth(ctx context.Context, action Action, userID *int64, email string, status Status, message string) error {
	event := newEvent(ctx, action, status)
	event.ActorID = userID
	event.ActorEmail = email
	event.TargetType = TargetUser
	event.Message = message
	if userID != nil {
		event.TargetID = fmt.Sprintf("%d", *userID)
	}
	return l.Log(ctx, event)
}

// LogAdmin records an administrative action against a target resource.
func (l *FileLogger) LogAdmin(ctx context.Context, action Action, actorID *int64, actorEmail string, targetType TargetType, targetID, targetLabel string, details map[string]any) error {
	event := newEvent(ctx, action, StatusSuccess)
	event.ActorID = actorID
	event.ActorEmail = actorEmail
	event.TargetType = targetType
	event.TargetID = targetID
	event.TargetLabel = targetLabel
	event.Details = details
	return l.Log(ctx, event)
}

// LogHTTPRequest records a completed HTTP request.
func (l *FileLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration) error {
	event := requestEvent(ctx, r, statusCode)
	event.Details = map[string]any{"duration_ms": duration.Milliseconds()}
	return l.Log(ctx, event)
}

// Close flushes and closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
