package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/governance"
	"github.com/controlhub/controlhub/pkg/httputil"
	"github.com/controlhub/controlhub/pkg/middleware"
	"github.com/controlhub/controlhub/pkg/storage"
	"github.com/controlhub/controlhub/pkg/store"
)

// maxUploadBytes caps a single upload body.
const maxUploadBytes = 64 << 20

// UploadStore is the slice of the store the upload handlers need.
type UploadStore interface {
	CreateUpload(ctx context.Context, upload *store.Upload) error
	GetUpload(ctx context.Context, id int64) (*store.Upload, error)
	ListUploads(ctx context.Context, limit, offset int) ([]*store.Upload, error)
}

// UploadHandlers serves file upload metadata and content.
type UploadHandlers struct {
	store    UploadStore
	blobs    storage.BlobStore
	gate     PolicyGate
	executor ActionExecutor
	sink     audit.Logger
	logger   *slog.Logger
}

// NewUploadHandlers creates the upload handler group.
func NewUploadHandlers(st UploadStore, blobs storage.BlobStore, gate PolicyGate,
	executor ActionExecutor, sink audit.Logger, logger *slog.Logger) *UploadHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandlers{store: st, blobs: blobs, gate: gate, executor: executor, sink: sink, logger: logger}
}

// RegisterRoutes mounts the endpoints available to any authenticated
// caller; RegisterAdminRoutes mounts deletion.
func (h *UploadHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/uploads", h.createUpload).Methods(http.MethodPost)
	router.HandleFunc("/uploads", h.listUploads).Methods(http.MethodGet)
	router.HandleFunc("/uploads/{id}", h.getUpload).Methods(http.MethodGet)
	router.HandleFunc("/uploads/{id}/download", h.downloadUpload).Methods(http.MethodGet)
}

func (h *UploadHandlers) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/uploads/{id}", h.deleteUpload).Methods(http.MethodDelete)
}

func (h *UploadHandlers) createUpload(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		httputil.WriteValidationError(w, "expected a multipart form with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteValidationError(w, "file field is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key, err := storage.NewKey()
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to store upload"))
		return
	}

	ctx := r.Context()
	size, err := h.blobs.Put(ctx, key, file, contentType)
	if err != nil {
		h.logger.Error("blob write failed", slog.String("error", err.Error()))
		httputil.WriteInternalError(w, errors.New("failed to store upload"))
		return
	}

	upload := &store.Upload{
		Filename:    header.Filename,
		ContentType: contentType,
		SizeBytes:   size,
		StorageKey:  key,
		UploadedBy:  actor.UserID(),
	}
	if err := h.store.CreateUpload(ctx, upload); err != nil {
		// The blob is orphaned otherwise.
		if derr := h.blobs.Delete(ctx, key); derr != nil {
			h.logger.Error("failed to clean up orphaned blob",
				slog.String("key", key), slog.String("error", derr.Error()))
		}
		httputil.WriteInternalError(w, errors.New("failed to store upload"))
		return
	}

	uid := actorID(actor)
	h.sink.LogAdmin(ctx, audit.ActionUploadCreate, uid, actor.Email(),
		audit.TargetUpload, strconv.FormatInt(upload.ID, 10), upload.Filename,
		map[string]any{"size_bytes": size, "content_type": contentType})
	httputil.WriteCreated(w, upload)
}

func (h *UploadHandlers) listUploads(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	uploads, err := h.store.ListUploads(r.Context(), limit, offset)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to list uploads"))
		return
	}
	if uploads == nil {
		uploads = []*store.Upload{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"uploads": uploads,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *UploadHandlers) loadUpload(w http.ResponseWriter, r *http.Request) *store.Upload {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return nil
	}
	upload, err := h.store.GetUpload(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "upload not found")
			return nil
		}
		httputil.WriteInternalError(w, errors.New("failed to load upload"))
		return nil
	}
	if upload.DeletedAt != nil {
		httputil.WriteNotFoundError(w, "upload not found")
		return nil
	}
	return upload
}

func (h *UploadHandlers) getUpload(w http.ResponseWriter, r *http.Request) {
	upload := h.loadUpload(w, r)
	if upload == nil {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, upload)
}

func (h *UploadHandlers) downloadUpload(w http.ResponseWriter, r *http.Request) {
	upload := h.loadUpload(w, r)
	if upload == nil {
		return
	}
	content, err := h.blobs.Get(r.Context(), upload.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteNotFoundError(w, "upload content not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to read upload"))
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", upload.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", upload.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(upload.SizeBytes, 10))
	if _, err := io.Copy(w, content); err != nil {
		h.logger.Error("upload stream interrupted",
			slog.Int64("upload_id", upload.ID), slog.String("error", err.Error()))
	}
}

func (h *UploadHandlers) deleteUpload(w http.ResponseWriter, r *http.Request) {
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	upload := h.loadUpload(w, r)
	if upload == nil {
		return
	}

	payload := struct {
		UploadID int64 `json:"upload_id"`
	}{UploadID: upload.ID}

	ctx := r.Context()
	gateTarget := governance.Target{
		Type:  string(audit.TargetUpload),
		ID:    strconv.FormatInt(upload.ID, 10),
		Label: upload.Filename,
	}
	request, gated, err := h.gate.Gate(ctx, actor, governance.ActionUploadDelete, gateTarget, payload)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to delete upload"))
		return
	}
	if gated {
		writeGated(w, request)
		return
	}

	raw, _ := json.Marshal(payload)
	if err := h.executor.Execute(ctx, governance.ActionUploadDelete, raw); err != nil {
		httputil.WriteInternalError(w, errors.New("failed to delete upload"))
		return
	}
	h.sink.LogAdmin(ctx, audit.ActionUploadDelete, &actor.ID, actor.Email,
		audit.TargetUpload, strconv.FormatInt(upload.ID, 10), upload.Filename, nil)
	httputil.WriteNoContent(w)
}
