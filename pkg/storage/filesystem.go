package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore implements BlobStore on the local filesystem.
type FilesystemStore struct {
	rootDir string
}

// NewFilesystemStore creates a filesystem-backed blob store.
func NewFilesystemStore(rootDir string) (*FilesystemStore, error) {
	if rootDir == "" {
		rootDir = DefaultConfig().FilesystemRoot
	}
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FilesystemStore{rootDir: rootDir}, nil
}

// path maps a storage key onto the filesystem, refusing keys that would
// escape the root.
func (s *FilesystemStore) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.rootDir, cleaned), nil
}

// Put implements BlobStore.Put.
func (s *FilesystemStore) Put(_ context.Context, key string, content io.Reader, _ string) (int64, error) {
	target, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	// Write to a temp file first so a crashed upload never leaves a
	// half-written blob under the final key.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, content)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return 0, fmt.Errorf("failed to move blob into place: %w", err)
	}
	return size, nil
}

// Get implements BlobStore.Get.
func (s *FilesystemStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete implements BlobStore.Delete.
func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Exists implements BlobStore.Exists.
func (s *FilesystemStore) Exists(_ context.Context, key string) (bool, error) {
	target, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// HealthCheck implements BlobStore.HealthCheck.
func (s *FilesystemStore) HealthCheck(context.Context) error {
	if _, err := os.Stat(s.rootDir); err != nil {
		return fmt.Errorf("storage root unavailable: %w", err)
	}
	return nil
}
