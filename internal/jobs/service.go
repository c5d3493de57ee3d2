// Package jobs accepts compression requests, persists them and hands them to
// the engine. It also serves status, listing, download and cancellation.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/compressd/internal/cache"
	"github.com/kiranshivaraju/compressd/internal/compress"
	"github.com/kiranshivaraju/compressd/internal/engine"
	"github.com/kiranshivaraju/compressd/internal/jobstatus"
	"github.com/kiranshivaraju/compressd/internal/store"
	"github.com/kiranshivaraju/compressd/pkg/models"
)

var (
	ErrInvalidRequest    = errors.New("invalid compression request")
	ErrNotFound          = errors.New("compression job not found")
	ErrNotCompleted      = errors.New("job is not completed")
	ErrArtifactMissing   = errors.New("compressed data not available")
	ErrAlreadyTerminal   = errors.New("job already finished")
	ErrNotRunning        = errors.New("job is not running on this instance")
	ErrEngineUnavailable = errors.New("failed to start compression workflow")
)

// DefaultStatusTTL is how long a terminal status payload stays cached.
const DefaultStatusTTL = 30 * time.Minute

// Engine is the part of engine.Engine the service drives.
type Engine interface {
	Submit(spec compress.JobSpec) error
	Cancel(jobID string) error
}

// SubmitRequest is a batch of files to compress. Level nil means the default.
type SubmitRequest struct {
	Files  []compress.FileItem `json:"files"`
	Format string              `json:"compression_format"`
	Level  *int                `json:"compression_level"`
}

// Artifact is a finished archive ready for download.
type Artifact struct {
	Filename string
	Data     []byte
}

// Service implements the compression job use cases.
type Service struct {
	store     store.Store
	engine    Engine
	cache     cache.Cache
	statusTTL time.Duration
	now       func() time.Time
}

// NewService creates a Service. ca may be nil to disable status caching.
func NewService(st store.Store, eng Engine, ca cache.Cache, statusTTL time.Duration) *Service {
	if statusTTL <= 0 {
		statusTTL = DefaultStatusTTL
	}
	return &Service{
		store:     st,
		engine:    eng,
		cache:     ca,
		statusTTL: statusTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates req, records a pending job with its files and queues it.
// If the engine refuses the job, the record is marked failed.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.CompressionJob, error) {
	format, level, err := validate(req)
	if err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	now := s.now()
	spec := compress.JobSpec{JobID: jobID, Files: req.Files, Format: string(format), Level: level}

	job := &models.CompressionJob{
		ID:                jobID,
		WorkflowID:        models.WorkflowIDFor(jobID),
		Status:            models.JobStatusPending,
		Progress:          0,
		FileCount:         len(req.Files),
		OriginalSize:      spec.OriginalSize(),
		CompressionFormat: string(format),
		CompressionLevel:  level,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	files := make([]*models.CompressionFile, len(req.Files))
	for i, f := range req.Files {
		files[i] = &models.CompressionFile{
			ID:        uuid.New(),
			JobID:     jobID,
			Filename:  f.Name,
			Size:      f.Size,
			Content:   f.Content,
			Position:  i,
			CreatedAt: now,
		}
	}
	if err := s.store.AttachFiles(ctx, jobID, files); err != nil {
		s.failStart(ctx, job, err)
		return nil, fmt.Errorf("attaching files: %w", err)
	}

	// A recovery pass may have queued the job between AttachFiles and here.
	if err := s.engine.Submit(spec); err != nil && !errors.Is(err, engine.ErrAlreadySubmitted) {
		slog.Error("failed to start workflow", "job_id", jobID, "error", err)
		s.failStart(ctx, job, err)
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	slog.Info("compression job submitted",
		"job_id", jobID,
		"workflow_id", job.WorkflowID,
		"files", job.FileCount,
		"original_size", job.OriginalSize,
		"format", job.CompressionFormat,
	)
	return job, nil
}

func (s *Service) failStart(ctx context.Context, job *models.CompressionJob, cause error) {
	msg := fmt.Sprintf("Failed to start workflow: %v", cause)
	if err := s.store.UpdateJobProgress(context.WithoutCancel(ctx), job.ID, 0, models.JobStatusFailed, &msg); err != nil {
		slog.Warn("could not mark job failed", "job_id", job.ID, "error", err)
		return
	}
	job.Status = models.JobStatusFailed
	job.Message = &msg
}

func validate(req SubmitRequest) (compress.Format, int, error) {
	if len(req.Files) == 0 {
		return "", 0, fmt.Errorf("%w: no files provided", ErrInvalidRequest)
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f.Name) == "" {
			return "", 0, fmt.Errorf("%w: file %d has no name", ErrInvalidRequest, i)
		}
		if f.Size < 0 {
			return "", 0, fmt.Errorf("%w: file %s has a negative size", ErrInvalidRequest, f.Name)
		}
	}

	raw := req.Format
	if strings.TrimSpace(raw) == "" {
		raw = string(compress.FormatZip)
	}
	format, err := compress.ParseFormat(raw)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	level := compress.DefaultLevel
	if req.Level != nil && *req.Level >= 0 && *req.Level <= 9 {
		level = *req.Level
	}
	return format, level, nil
}

// Status returns the projected state of a job. Finished jobs are served
// from the cache when possible.
func (s *Service) Status(ctx context.Context, id string) (jobstatus.Payload, error) {
	if p, ok := s.cachedStatus(ctx, id); ok {
		return p, nil
	}

	job, err := s.getJob(ctx, id)
	if err != nil {
		return jobstatus.Payload{}, err
	}
	p := jobstatus.FromRecord(job)
	if p.Terminal() {
		s.cacheStatus(ctx, p)
	}
	return p, nil
}

func (s *Service) cachedStatus(ctx context.Context, id string) (jobstatus.Payload, bool) {
	if s.cache == nil {
		return jobstatus.Payload{}, false
	}
	raw, ok, err := s.cache.GetJobStatus(ctx, id)
	if err != nil {
		slog.Debug("status cache read failed", "job_id", id, "error", err)
		return jobstatus.Payload{}, false
	}
	if !ok {
		return jobstatus.Payload{}, false
	}
	var p jobstatus.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("discarding malformed cached status", "job_id", id, "error", err)
		return jobstatus.Payload{}, false
	}
	return p, true
}

func (s *Service) cacheStatus(ctx context.Context, p jobstatus.Payload) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, p.JobID, raw, s.statusTTL); err != nil {
		slog.Debug("status cache write failed", "job_id", p.JobID, "error", err)
	}
}

// List returns the most recent jobs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]jobstatus.Payload, error) {
	jobs, err := s.store.ListRecentJobs(ctx, store.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobstatus.FromRecords(jobs), nil
}

// Artifact returns the decoded archive of a completed job.
func (s *Service) Artifact(ctx context.Context, id string) (*Artifact, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: current status: %s", ErrNotCompleted, job.Status)
	}
	if job.CompressedData == nil || *job.CompressedData == "" {
		return nil, ErrArtifactMissing
	}
	data, err := compress.DecodePayload(*job.CompressedData)
	if err != nil {
		return nil, fmt.Errorf("decoding compressed data: %w", err)
	}

	ext := compress.FormatZip.Extension()
	if f, err := compress.ParseFormat(job.CompressionFormat); err == nil {
		ext = f.Extension()
	}
	return &Artifact{
		Filename: fmt.Sprintf("compressed-%s.%s", job.ID, ext),
		Data:     data,
	}, nil
}

// Cancel stops a job that is queued or running on this instance.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return err
	}
	if models.IsTerminal(job.Status) {
		return ErrAlreadyTerminal
	}
	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrJobNotRunning) {
			return ErrNotRunning
		}
		return fmt.Errorf("cancelling job: %w", err)
	}
	return nil
}

func (s *Service) getJob(ctx context.Context, id string) (*models.CompressionJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}
