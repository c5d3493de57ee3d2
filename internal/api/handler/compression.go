package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/compressd/internal/api/response"
	"github.com/kiranshivaraju/compressd/internal/compress"
	"github.com/kiranshivaraju/compressd/internal/jobs"
	"github.com/kiranshivaraju/compressd/internal/jobstatus"
	"github.com/kiranshivaraju/compressd/internal/store"
	"github.com/kiranshivaraju/compressd/pkg/models"
)

// CompressionService defines the interface the compression handlers depend on.
type CompressionService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.CompressionJob, error)
	Status(ctx context.Context, id string) (jobstatus.Payload, error)
	List(ctx context.Context, limit int) ([]jobstatus.Payload, error)
	Artifact(ctx context.Context, id string) (*jobs.Artifact, error)
	Cancel(ctx context.Context, id string) error
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/compression/jobs.
// File contents arrive base64 encoded in the JSON body.
func NewSubmitHandler(svc CompressionService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

		var req jobs.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("Request body exceeds %d bytes", maxBytes), nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		submit(w, r, svc, req)
	}
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/compression/upload.
// It accepts multipart form data with one or more "files" parts.
func NewUploadHandler(svc CompressionService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("Upload exceeds %d bytes", maxBytes), nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid multipart form", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "No files uploaded", nil)
			return
		}

		req := jobs.SubmitRequest{
			Files:  make([]compress.FileItem, 0, len(headers)),
			Format: r.FormValue("compression_format"),
		}
		if raw := strings.TrimSpace(r.FormValue("compression_level")); raw != "" {
			level, err := strconv.Atoi(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "compression_level must be an integer", nil)
				return
			}
			req.Level = &level
		}

		for _, fh := range headers {
			item, err := readUpload(fh)
			if err != nil {
				slog.Error("reading uploaded file failed", "filename", fh.Filename, "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					fmt.Sprintf("Failed to process file %s", fh.Filename), nil)
				return
			}
			req.Files = append(req.Files, item)
		}

		submit(w, r, svc, req)
	}
}

func readUpload(fh *multipart.FileHeader) (compress.FileItem, error) {
	f, err := fh.Open()
	if err != nil {
		return compress.FileItem{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return compress.FileItem{}, err
	}
	return compress.FileItem{
		Name:    fh.Filename,
		Content: compress.EncodePayload(data),
		Size:    int64(len(data)),
	}, nil
}

func submit(w http.ResponseWriter, r *http.Request, svc CompressionService, req jobs.SubmitRequest) {
	job, err := svc.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.Accepted(w, jobstatus.FromRecord(job))
}

// NewListHandler returns an http.HandlerFunc for GET /api/v1/compression/jobs.
func NewListHandler(svc CompressionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = n
		}
		limit = store.NormalizeLimit(limit)

		items, err := svc.List(r.Context(), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.List(w, items, response.ListMeta{Limit: limit, Count: len(items)})
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/compression/jobs/{jobID}.
func NewStatusHandler(svc CompressionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Status(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, p)
	}
}

// NewDownloadHandler returns an http.HandlerFunc for GET /api/v1/compression/jobs/{jobID}/download.
func NewDownloadHandler(svc CompressionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		art, err := svc.Artifact(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Attachment(w, art.Filename, art.Data)
	}
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/compression/jobs/{jobID}/cancel.
func NewCancelHandler(svc CompressionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if err := svc.Cancel(r.Context(), jobID); err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, map[string]string{
			"job_id": jobID,
			"status": "cancelling",
		})
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, jobs.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Compression job not found", nil)
	case errors.Is(err, jobs.ErrArtifactMissing):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Compressed data not available", nil)
	case errors.Is(err, jobs.ErrNotCompleted):
		response.Error(w, http.StatusConflict, "JOB_NOT_COMPLETED", err.Error(), nil)
	case errors.Is(err, jobs.ErrAlreadyTerminal):
		response.Error(w, http.StatusConflict, "JOB_ALREADY_TERMINAL", "Job has already finished", nil)
	case errors.Is(err, jobs.ErrNotRunning):
		response.Error(w, http.StatusConflict, "JOB_NOT_RUNNING", "Job is not running on this instance", nil)
	case errors.Is(err, jobs.ErrEngineUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "ENGINE_BUSY", err.Error(), nil)
	default:
		slog.Error("compression request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
