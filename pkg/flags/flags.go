// Package flags provides runtime feature flags backed by a JSON file
// with environment variable fallback. The file is hot reloaded, so flags
// can flip without a restart.
package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EnvPrefix is prepended to flag names when falling back to the
// environment: flag "new_upload_flow" reads CONTROLHUB_FLAG_NEW_UPLOAD_FLOW.
const EnvPrefix = "CONTROLHUB_FLAG_"

// Flags the server consults.
const (
	ServiceAccounts      = "service_accounts"
	CognitoAutoProvision = "cognito_auto_provision"
	CognitoAutoLink      = "cognito_auto_link"
	RequireVerifiedEmail = "require_email_verification"
	MaintenanceMode      = "maintenance_mode"
)

// Store holds the current flag values.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	values map[string]bool
}

// Load reads the flag file. A missing file is not an error; the store
// starts empty and serves environment fallbacks only.
func Load(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger, values: make(map[string]bool)}
	if path == "" {
		return s, nil
	}
	if err := s.reload(); err != nil {
		if os.IsNotExist(err) {
			logger.Info("flag file not found, using environment fallbacks only",
				slog.String("path", path))
			return s, nil
		}
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var values map[string]bool
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse flag file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()

	s.logger.Info("feature flags loaded",
		slog.String("path", s.path),
		slog.Int("count", len(values)))
	return nil
}

// Enabled reports whether a flag is on. File values win; flags absent
// from the file fall back to the environment; anything else is off.
func (s *Store) Enabled(name string) bool {
	s.mu.RLock()
	value, ok := s.values[name]
	s.mu.RUnlock()
	if ok {
		return value
	}

	if raw, found := os.LookupEnv(envName(name)); found {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			s.logger.Warn("unparseable flag environment value",
				slog.String("flag", name),
				slog.String("value", raw))
			return false
		}
		return enabled
	}
	return false
}

// Snapshot returns a copy of the file-backed flag values.
func (s *Store) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(s.values))
	for name, value := range s.values {
		out[name] = value
	}
	return out
}

// Watch reloads the store whenever the flag file changes. It blocks
// until ctx is cancelled; run it in its own goroutine.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and config managers often replace
	// the file rather than writing it in place.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch flag directory: %w", err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Error("failed to reload feature flags",
					slog.String("error", err.Error()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("flag watcher error", slog.String("error", err.Error()))
		case <-ctx.Done():
			return nil
		}
	}
}

func envName(flag string) string {
	normalized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, flag)
	return EnvPrefix + strings.ToUpper(normalized)
}
