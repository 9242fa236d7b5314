package audit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	events []*Event
	err    error
}

func (r *recordingLogger) Log(_ context.Context, event *Event) error {
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingLogger) LogAuth(ctx context.Context, action Action, userID *int64, email string, status Status, message string) error {
	event := &Event{Action: action, Status: status, ActorID: userID, ActorEmail: email, Message: message}
	return r.Log(ctx, event)
}

func (r *recordingLogger) LogAdmin(ctx context.Context, action Action, actorID *int64, actorEmail string, targetType TargetType, targetID, targetLabel string, details map[string]any) error {
	event := &Event{Action: action, ActorID: actorID, ActorEmail: actorEmail, TargetType: targetType, TargetID: targetID, TargetLabel: targetLabel, Details: details}
	return r.Log(ctx, event)
}

func (r *recordingLogger) LogHTTPRequest(ctx context.Context, req *http.Request, statusCode int, _ time.Duration) error {
	return r.Log(ctx, requestEvent(ctx, req, statusCode))
}

func (r *recordingLogger) Close() error { return r.err }

func TestMultiLoggerFanOut(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}
	m := NewMultiLogger(a, b)

	require.NoError(t, m.Log(context.Background(), &Event{Action: ActionAuthLogin, Status: StatusSuccess}))
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestMultiLoggerContinuesPastFailures(t *testing.T) {
	a := &recordingLogger{err: errors.New("sink down")}
	b := &recordingLogger{}
	m := NewMultiLogger(a, b)

	err := m.Log(context.Background(), &Event{Action: ActionAuthLogin, Status: StatusSuccess})
	assert.Error(t, err)
	// the healthy sink still got the event
	assert.Len(t, b.events, 1)
}
