package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/bobarin/promptvideo/internal/jobstore"
	"github.com/bobarin/promptvideo/internal/models"
	"github.com/bobarin/promptvideo/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRequestBytes = 1 << 20

type Handler struct {
	store     jobstore.Store
	queue     queue.Queue
	validate  *validator.Validate
	outputDir string // Served under /videos when non-empty
	logger    *zap.Logger
}

func NewHandler(store jobstore.Store, q queue.Queue, outputDir string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:     store,
		queue:     q,
		validate:  newValidator(),
		outputDir: outputDir,
		logger:    logger.Named("api"),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// StartRender handles POST /v1/render
func (h *Handler) StartRender(w http.ResponseWriter, r *http.Request) {
	var req models.RenderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Validation failed",
			"details": formatValidationErrors(err),
		})
		return
	}

	job := models.NewRenderJob()
	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.logger.Error("Failed to create job", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.queue.Enqueue(r.Context(), &queue.Task{JobID: job.ID, Request: &req}); err != nil {
		h.logger.Error("Failed to enqueue job", zap.String("job_id", job.ID.String()), zap.Error(err))
		// The job must not stay queued forever
		if _, updErr := h.store.UpdateJob(r.Context(), job.ID, models.JobUpdate{
			Status: models.StatusPtr(models.JobStatusFailed),
			Error:  models.StrPtr("prepare: failed to enqueue job"),
		}); updErr != nil {
			h.logger.Error("Failed to mark job failed", zap.Error(updErr))
		}
		if errors.Is(err, queue.ErrFull) {
			respondError(w, http.StatusServiceUnavailable, "Render queue is full, retry later")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	h.logger.Info("Render accepted",
		zap.String("job_id", job.ID.String()),
		zap.Int("media_items", len(req.MediaItems)),
		zap.String("aspect_ratio", string(req.AspectRatio)),
	)

	respondJSON(w, http.StatusAccepted, models.RenderAcceptedResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
	})
}

// GetRender handles GET /v1/render/{jobId}
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", zap.String("job_id", jobID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	respondJSON(w, http.StatusOK, job.StatusResponse())
}

// GetVideo handles GET /videos/{file}. Only videos of completed jobs are served.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	jobID, err := uuid.Parse(strings.TrimSuffix(name, ".mp4"))
	if err != nil || !strings.HasSuffix(name, ".mp4") {
		respondError(w, http.StatusNotFound, "Video not found")
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil || job.Status != models.JobStatusCompleted {
		respondError(w, http.StatusNotFound, "Video not found")
		return
	}

	path := filepath.Join(h.outputDir, jobID.String()+".mp4")
	if _, err := os.Stat(path); err != nil {
		respondError(w, http.StatusNotFound, "Video not found")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if n, err := h.queue.Len(r.Context()); err == nil {
		resp["queued"] = n
	}
	respondJSON(w, http.StatusOK, resp)
}

// formatValidationErrors maps each failing field to the rule it broke.
func formatValidationErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return map[string]string{"request": err.Error()}
	}

	details := make(map[string]string, len(validationErrors))
	for _, e := range validationErrors {
		field := e.Namespace()
		// Drop the root struct name
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		details[field] = e.Tag()
	}
	return details
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
