package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hazyhaar/docflow/storage"
)

// maxUploadBytes bounds direct uploads through the API process. Larger files
// go through the presigned path.
const maxUploadBytes = 100 * 1024 * 1024

// presignExpiry is how long a minted upload URL stays valid.
const presignExpiry = 15 * time.Minute

// Handlers exposes the orchestration service over HTTP.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers wires the HTTP surface.
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// Routes mounts all endpoints on a fresh router.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Post("/uploads", h.upload)
	r.Post("/uploads/presign", h.presign)

	r.Post("/convert/{fileID}", h.convert)
	r.Get("/jobs/{jobID}/stream", h.streamJob)
	r.Post("/jobs/{jobID}/cancel", h.cancelJob)
	r.Delete("/jobs/{jobID}", h.cleanupJob)

	return r
}

// upload accepts a multipart source file and stores it under a fresh file
// id. Single-node deployments use this; shared deployments presign.
func (h *Handlers) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, 400, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, 400, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, 413, errors.New("file too large"))
		return
	}

	fileID := uuid.NewString()
	contentType := header.Header.Get("Content-Type")
	if err := h.svc.store.Save(r.Context(), uploadKey(fileID), data, contentType); err != nil {
		writeError(w, 500, fmt.Errorf("store file: %w", err))
		return
	}
	writeJSON(w, 201, map[string]string{
		"file_id":  fileID,
		"filename": header.Filename,
	})
}

// presign mints a direct-upload URL when the store supports it.
func (h *Handlers) presign(w http.ResponseWriter, r *http.Request) {
	presigner, ok := h.svc.store.(storage.Presigner)
	if !ok {
		writeError(w, 501, errors.New("direct upload not supported by this deployment"))
		return
	}
	var req struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	fileID := uuid.NewString()
	url, err := presigner.PresignPut(r.Context(), uploadKey(fileID), req.ContentType, presignExpiry)
	if err != nil {
		writeError(w, 500, fmt.Errorf("presign: %w", err))
		return
	}
	writeJSON(w, 200, map[string]string{
		"file_id":    fileID,
		"upload_url": url,
	})
}

// convert submits a stored file for conversion.
func (h *Handlers) convert(w http.ResponseWriter, r *http.Request) {
	req := &SubmitRequest{FileID: chi.URLParam(r, "fileID")}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, 400, fmt.Errorf("parse request: %w", err))
			return
		}
	}
	req.FileID = chi.URLParam(r, "fileID")

	id, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrFileNotFound):
			writeError(w, 404, err)
		case errors.Is(err, ErrInvalidRequest):
			writeError(w, 400, err)
		default:
			h.logger.Error("submit failed", "file_id", req.FileID, "error", err)
			writeError(w, 502, err)
		}
		return
	}
	writeJSON(w, 202, map[string]string{
		"job_id":     id,
		"backend":    h.svc.backend.Name(),
		"stream_url": "/jobs/" + id + "/stream",
	})
}

// streamJob attaches the client to the job's SSE stream.
func (h *Handlers) streamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	err := h.svc.Stream(r.Context(), w, id)
	if errors.Is(err, ErrJobNotFound) {
		writeError(w, 404, err)
		return
	}
	if err != nil {
		h.logger.Error("stream failed", "job_id", id, "error", err)
		writeError(w, 500, err)
	}
}

// cancelJob stops a running job.
func (h *Handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	err := h.svc.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, ErrJobNotFound):
		writeError(w, 404, err)
	case errors.Is(err, ErrCancelUnsupported):
		writeError(w, 400, err)
	case err != nil:
		h.logger.Error("cancel failed", "job_id", id, "error", err)
		writeError(w, 500, err)
	default:
		writeJSON(w, 200, map[string]string{"status": "cancelled", "job_id": id})
	}
}

// cleanupJob releases a job's resources without cancelling upstream, for
// operators reclaiming abandoned jobs.
func (h *Handlers) cleanupJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	res := h.svc.Cleanup(r.Context(), id, "manual")
	writeJSON(w, 200, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
