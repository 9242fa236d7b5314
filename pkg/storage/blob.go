package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound indicates the key has no blob behind it.
var ErrNotFound = errors.New("blob not found")

// BlobStore stores and retrieves upload content by opaque key.
type BlobStore interface {
	// Put writes a blob and returns the number of bytes stored.
	Put(ctx context.Context, key string, content io.Reader, contentType string) (int64, error)
	// Get opens a blob for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether a blob is present.
	Exists(ctx context.Context, key string) (bool, error)
	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Config selects and configures a blob backend.
type Config struct {
	Type string // "filesystem" or "s3"

	// Filesystem config
	FilesystemRoot string

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// DefaultConfig returns a filesystem backend rooted in /tmp.
func DefaultConfig() Config {
	return Config{
		Type:           "filesystem",
		FilesystemRoot: "/tmp/controlhub/uploads",
	}
}

// Open constructs the configured backend.
func Open(cfg Config) (BlobStore, error) {
	switch cfg.Type {
	case "", "filesystem":
		return NewFilesystemStore(cfg.FilesystemRoot)
	case "s3":
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// NewKey generates a storage key for a fresh upload. Keys are sharded
// by their first byte to keep directory listings and S3 prefixes flat.
func NewKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate storage key: %w", err)
	}
	id := hex.EncodeToString(buf)
	return fmt.Sprintf("uploads/%s/%s-%d", id[:2], id, time.Now().Unix()), nil
}
