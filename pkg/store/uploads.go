package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Upload is a stored file's metadata. The bytes live in the blob store
// under StorageKey.
type Upload struct {
	ID          int64      `json:"id"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"content_type,omitempty"`
	SizeBytes   int64      `json:"size_bytes"`
	StorageKey  string     `json:"-"`
	UploadedBy  int64      `json:"uploaded_by"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

const uploadColumns = `id, filename, content_type, size_bytes, storage_key, uploaded_by, deleted_at, created_at`

// CreateUpload inserts upload metadata and fills in its id.
func (s *Store) CreateUpload(ctx context.Context, upload *Upload) error {
	query := `
		INSERT INTO uploads (filename, content_type, size_bytes, storage_key, uploaded_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		upload.Filename, upload.ContentType, upload.SizeBytes,
		upload.StorageKey, upload.UploadedBy,
	).Scan(&upload.ID, &upload.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// GetUpload fetches upload metadata by id. Soft-deleted uploads are
// still returned so governance flows can report on them.
func (s *Store) GetUpload(ctx context.Context, id int64) (*Upload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
	return scanUpload(row)
}

func scanUpload(row rowScanner) (*Upload, error) {
	var upload Upload
	var contentType sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&upload.ID, &upload.Filename, &contentType, &upload.SizeBytes,
		&upload.StorageKey, &upload.UploadedBy, &deletedAt, &upload.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan upload: %w", err)
	}
	upload.ContentType = contentType.String
	if deletedAt.Valid {
		upload.DeletedAt = &deletedAt.Time
	}
	return &upload, nil
}

// ListUploads returns live uploads, newest first.
func (s *Store) ListUploads(ctx context.Context, limit, offset int) ([]*Upload, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+uploadColumns+` FROM uploads
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, upload)
	}
	return uploads, rows.Err()
}

// MarkUploadDeleted soft-deletes an upload. The blob itself is removed by
// the executor that called this.
func (s *Store) MarkUploadDeleted(ctx context.Context, id int64) error {
	return s.execOne(ctx, `
		UPDATE uploads SET deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
}
