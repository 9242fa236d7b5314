package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/controlhub/controlhub/pkg/observability"
)

// Executor runs one kind of approved action.
type Executor interface {
	// ActionType returns the action type this executor handles.
	ActionType() string

	// Execute runs the deferred action with the payload captured when the
	// approval request was created.
	Execute(ctx context.Context, payload json.RawMessage) error
}

// Registry maps action types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Registering the same action type twice is a
// programming error.
func (r *Registry) Register(executor Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	actionType := executor.ActionType()
	if _, exists := r.executors[actionType]; exists {
		return fmt.Errorf("executor for %s already registered", actionType)
	}
	r.executors[actionType] = executor
	return nil
}

// Execute dispatches to the executor for the action type. A panicking
// executor surfaces as an error so the approval record can be marked
// failed instead of crashing the server.
func (r *Registry) Execute(ctx context.Context, actionType string, payload json.RawMessage) (err error) {
	r.mu.RLock()
	executor, ok := r.executors[actionType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no executor registered for action type %s", actionType)
	}
	defer func() {
		if rerr := observability.MustRecover(recover()); rerr != nil {
			err = fmt.Errorf("executor for %s: %w", actionType, rerr)
		}
	}()
	return executor.Execute(ctx, payload)
}
