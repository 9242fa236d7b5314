package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/store"
)

// ErrLastSuperadmin refuses an action that would leave the system without
// an active superadmin.
var ErrLastSuperadmin = errors.New("cannot remove the last active superadmin")

// UploadStore is the slice of the store the upload executor needs.
type UploadStore interface {
	GetUpload(ctx context.Context, id int64) (*store.Upload, error)
	MarkUploadDeleted(ctx context.Context, id int64) error
}

// BlobDeleter removes stored file bytes.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// UploadDeleteExecutor deletes an upload: blob first, then the soft
// delete of its metadata.
type UploadDeleteExecutor struct {
	uploads UploadStore
	blobs   BlobDeleter
	logger  *slog.Logger
}

// NewUploadDeleteExecutor creates the upload.delete executor.
func NewUploadDeleteExecutor(uploads UploadStore, blobs BlobDeleter, logger *slog.Logger) *UploadDeleteExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadDeleteExecutor{uploads: uploads, blobs: blobs, logger: logger}
}

// ActionType implements Executor.
func (e *UploadDeleteExecutor) ActionType() string { return ActionUploadDelete }

type uploadDeletePayload struct {
	UploadID int64 `json:"upload_id"`
}

// Execute implements Executor.
func (e *UploadDeleteExecutor) Execute(ctx context.Context, payload json.RawMessage) error {
	var p uploadDeletePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode upload.delete payload: %w", err)
	}
	upload, err := e.uploads.GetUpload(ctx, p.UploadID)
	if err != nil {
		return fmt.Errorf("load upload %d: %w", p.UploadID, err)
	}
	if upload.DeletedAt != nil {
		return nil
	}
	if err := e.blobs.Delete(ctx, upload.StorageKey); err != nil {
		return fmt.Errorf("delete blob %s: %w", upload.StorageKey, err)
	}
	if err := e.uploads.MarkUploadDeleted(ctx, upload.ID); err != nil {
		return fmt.Errorf("mark upload %d deleted: %w", upload.ID, err)
	}
	e.logger.Info("deleted upload", slog.Int64("upload_id", upload.ID))
	return nil
}

// UserAdminStore is the slice of the store the user executors need.
type UserAdminStore interface {
	GetUserByID(ctx context.Context, id int64) (*auth.User, error)
	UpdateUserRole(ctx context.Context, userID int64, role auth.Role) error
	SetUserActive(ctx context.Context, userID int64, active bool) error
	CountActiveSuperadmins(ctx context.Context) (int, error)
}

// UserRoleChangeExecutor applies an approved role change.
type UserRoleChangeExecutor struct {
	users  UserAdminStore
	logger *slog.Logger
}

// NewUserRoleChangeExecutor creates the user.role_change executor.
func NewUserRoleChangeExecutor(users UserAdminStore, logger *slog.Logger) *UserRoleChangeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserRoleChangeExecutor{users: users, logger: logger}
}

// ActionType implements Executor.
func (e *UserRoleChangeExecutor) ActionType() string { return ActionUserRoleChange }

type roleChangePayload struct {
	UserID  int64     `json:"user_id"`
	NewRole auth.Role `json:"new_role"`
}

// Execute implements Executor.
func (e *UserRoleChangeExecutor) Execute(ctx context.Context, payload json.RawMessage) error {
	var p roleChangePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode user.role_change payload: %w", err)
	}
	if !p.NewRole.Valid() {
		return fmt.Errorf("invalid role %q", p.NewRole)
	}
	user, err := e.users.GetUserByID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", p.UserID, err)
	}
	// The approval may have been granted before the target's state changed.
	if user.Role == auth.RoleSuperadmin && p.NewRole != auth.RoleSuperadmin {
		count, err := e.users.CountActiveSuperadmins(ctx)
		if err != nil {
			return err
		}
		if count <= 1 {
			return ErrLastSuperadmin
		}
	}
	if err := e.users.UpdateUserRole(ctx, p.UserID, p.NewRole); err != nil {
		return fmt.Errorf("update role for user %d: %w", p.UserID, err)
	}
	e.logger.Info("changed user role",
		slog.Int64("user_id", p.UserID),
		slog.String("new_role", string(p.NewRole)))
	return nil
}

// UserDisableExecutor applies an approved account disable.
type UserDisableExecutor struct {
	users  UserAdminStore
	logger *slog.Logger
}

// NewUserDisableExecutor creates the user.disable executor.
func NewUserDisableExecutor(users UserAdminStore, logger *slog.Logger) *UserDisableExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserDisableExecutor{users: users, logger: logger}
}

// ActionType implements Executor.
func (e *UserDisableExecutor) ActionType() string { return ActionUserDisable }

type userDisablePayload struct {
	UserID int64 `json:"user_id"`
}

// Execute implements Executor.
func (e *UserDisableExecutor) Execute(ctx context.Context, payload json.RawMessage) error {
	var p userDisablePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode user.disable payload: %w", err)
	}
	user, err := e.users.GetUserByID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", p.UserID, err)
	}
	if !user.IsActive {
		return nil
	}
	if user.Role == auth.RoleSuperadmin {
		count, err := e.users.CountActiveSuperadmins(ctx)
		if err != nil {
			return err
		}
		if count <= 1 {
			return ErrLastSuperadmin
		}
	}
	if err := e.users.SetUserActive(ctx, p.UserID, false); err != nil {
		return fmt.Errorf("disable user %d: %w", p.UserID, err)
	}
	e.logger.Info("disabled user", slog.Int64("user_id", p.UserID))
	return nil
}

// JobStore is the slice of the store the job executor needs.
type JobStore interface {
	CancelJob(ctx context.Context, id int64) error
}

// JobCancelExecutor applies an approved job cancellation.
type JobCancelExecutor struct {
	jobs   JobStore
	logger *slog.Logger
}

// NewJobCancelExecutor creates the job.cancel executor.
func NewJobCancelExecutor(jobs JobStore, logger *slog.Logger) *JobCancelExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobCancelExecutor{jobs: jobs, logger: logger}
}

// ActionType implements Executor.
func (e *JobCancelExecutor) ActionType() string { return ActionJobCancel }

type jobCancelPayload struct {
	JobID int64 `json:"job_id"`
}

// Execute implements Executor.
func (e *JobCancelExecutor) Execute(ctx context.Context, payload json.RawMessage) error {
	var p jobCancelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode job.cancel payload: %w", err)
	}
	if err := e.jobs.CancelJob(ctx, p.JobID); err != nil {
		// A job that finished while approval was pending is not an error
		// worth failing the request over.
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("job no longer cancellable", slog.Int64("job_id", p.JobID))
			return nil
		}
		return fmt.Errorf("cancel job %d: %w", p.JobID, err)
	}
	e.logger.Info("cancelled job", slog.Int64("job_id", p.JobID))
	return nil
}
