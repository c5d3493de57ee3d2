// Package engine runs compression jobs through a fixed sequence of activities
// on a bounded pool of workers.
//
// Each job is a workflow run: progress milestones are reported to the store
// on a best-effort basis, the archive step runs under its own timeout and
// retry policy, and every failure ends in a single failed report. A run
// interrupted by shutdown is left non-terminal so that Recover can replay it
// after a restart.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kiranshivaraju/compressd/internal/compress"
	"github.com/kiranshivaraju/compressd/internal/config"
	"github.com/kiranshivaraju/compressd/internal/metrics"
	"github.com/kiranshivaraju/compressd/internal/store"
	"github.com/kiranshivaraju/compressd/pkg/models"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull        = errors.New("job queue is full")
	ErrEngineStopped    = errors.New("engine stopped")
	ErrAlreadyStarted   = errors.New("engine already started")
	ErrAlreadySubmitted = errors.New("job already submitted")
	ErrJobCancelled     = errors.New("job cancelled")
	ErrJobNotRunning    = errors.New("job is not queued or running")
)

// Options configures an Engine.
type Options struct {
	Workers      int
	QueueSize    int
	PrepareDelay time.Duration
	Archive      ActivityOptions
	Report       ActivityOptions
}

// OptionsFromConfig maps the engine section of the service config.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		Workers:      cfg.Workers,
		QueueSize:    cfg.QueueSize,
		PrepareDelay: cfg.PrepareDelay,
		Archive: ActivityOptions{
			StartToCloseTimeout: cfg.ArchiveTimeout,
			MaxAttempts:         cfg.MaxAttempts,
		},
		Report: ActivityOptions{
			StartToCloseTimeout: cfg.ReportTimeout,
			MaxAttempts:         cfg.MaxAttempts,
		},
	}
}

// DefaultOptions mirrors the service defaults.
func DefaultOptions() Options {
	return Options{
		Workers:      4,
		QueueSize:    100,
		PrepareDelay: time.Second,
		Archive:      ActivityOptions{StartToCloseTimeout: 300 * time.Second, MaxAttempts: 3},
		Report:       ActivityOptions{StartToCloseTimeout: 10 * time.Second, MaxAttempts: 3},
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.Workers < 1 {
		o.Workers = d.Workers
	}
	if o.QueueSize < 1 {
		o.QueueSize = d.QueueSize
	}
	if o.PrepareDelay < 0 {
		o.PrepareDelay = 0
	}
	if o.Archive.StartToCloseTimeout <= 0 {
		o.Archive.StartToCloseTimeout = d.Archive.StartToCloseTimeout
	}
	if o.Report.StartToCloseTimeout <= 0 {
		o.Report.StartToCloseTimeout = d.Report.StartToCloseTimeout
	}
}

type jobState struct {
	cancel    context.CancelCauseFunc // nil while queued
	cancelled bool
}

// Engine owns the job queue and the worker pool.
type Engine struct {
	store    store.Store
	opts     Options
	workflow *workflow
	queue    chan compress.JobSpec

	now func() time.Time

	mu        sync.Mutex
	jobs      map[string]*jobState
	started   bool
	startedAt time.Time
	stopped   bool
	cancel    context.CancelCauseFunc
	group     *errgroup.Group
}

// New creates an Engine. Jobs may be submitted before Start; they wait in the queue.
func New(s store.Store, opts Options) *Engine {
	opts.normalize()
	return &Engine{
		store: s,
		opts:  opts,
		workflow: &workflow{
			reporter:     NewReporter(s, opts.Report),
			archive:      opts.Archive,
			prepareDelay: opts.PrepareDelay,
			builderFor:   compress.BuilderFor,
		},
		queue: make(chan compress.JobSpec, opts.QueueSize),
		jobs:  make(map[string]*jobState),
		now:   time.Now,
	}
}

// Start launches the workers. They run until Stop or until ctx is cancelled;
// either way in-flight runs see ErrEngineStopped and stay recoverable.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	context.AfterFunc(ctx, func() { cancel(ErrEngineStopped) })
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			e.worker(gctx)
			return nil
		})
	}
	e.started = true
	e.startedAt = e.now()
	e.cancel = cancel
	e.group = g

	slog.Info("engine started", "workers", e.opts.Workers, "queue_size", e.opts.QueueSize)
	return nil
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case spec := <-e.queue:
			metrics.JobQueueDepth.Set(float64(len(e.queue)))
			e.runJob(ctx, spec)
		}
	}
}

// Submit enqueues spec without blocking.
func (e *Engine) Submit(spec compress.JobSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if _, ok := e.jobs[spec.JobID]; ok {
		return ErrAlreadySubmitted
	}
	select {
	case e.queue <- spec:
	default:
		return ErrQueueFull
	}
	e.jobs[spec.JobID] = &jobState{}
	metrics.JobQueueDepth.Set(float64(len(e.queue)))
	slog.Debug("job queued", "job_id", spec.JobID, "format", spec.Format, "files", len(spec.Files))
	return nil
}

// Cancel stops a queued or running job. The job ends with a failed report.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.jobs[jobID]
	if !ok {
		return ErrJobNotRunning
	}
	st.cancelled = true
	if st.cancel != nil {
		st.cancel(ErrJobCancelled)
	}
	slog.Info("job cancellation requested", "job_id", jobID)
	return nil
}

// Running reports whether jobID is queued or executing on this engine.
func (e *Engine) Running(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[jobID]
	return ok
}

func (e *Engine) runJob(ctx context.Context, spec compress.JobSpec) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.mu.Lock()
	st, ok := e.jobs[spec.JobID]
	if !ok {
		st = &jobState{}
		e.jobs[spec.JobID] = st
	}
	st.cancel = cancel
	if st.cancelled {
		cancel(ErrJobCancelled)
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.jobs, spec.JobID)
		e.mu.Unlock()
	}()

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	start := time.Now()
	log := slog.With("job_id", spec.JobID, "workflow_id", models.WorkflowIDFor(spec.JobID))
	log.Info("workflow started", "format", spec.Format, "files", len(spec.Files))

	res, err := e.execute(jobCtx, spec)
	switch {
	case err == nil:
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeCompleted, spec.Format).Inc()
		metrics.ArchiveBytesTotal.WithLabelValues("original").Add(float64(res.OriginalSize))
		metrics.ArchiveBytesTotal.WithLabelValues("compressed").Add(float64(res.CompressedSize))
		log.Info("workflow completed",
			"original_size", res.OriginalSize,
			"compressed_size", res.CompressedSize,
			"compression_ratio", res.CompressionRatio,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	case errors.Is(err, ErrEngineStopped):
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeInterrupted, spec.Format).Inc()
	case errors.Is(err, ErrJobCancelled):
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeCancelled, spec.Format).Inc()
	default:
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeFailed, spec.Format).Inc()
	}
}

// execute runs the workflow and turns a panic into a failed job.
func (e *Engine) execute(ctx context.Context, spec compress.JobSpec) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in workflow run",
				"job_id", spec.JobID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			perr := fmt.Errorf("panic: %v", r)
			e.workflow.reporter.Report(context.WithoutCancel(ctx), ProgressUpdate{
				JobID:    spec.JobID,
				Progress: e.lastProgress(ctx, spec.JobID),
				Status:   models.JobStatusFailed,
				Message:  fmt.Sprintf(msgFailedFmt, perr),
			})
			res, err = nil, &WorkflowError{JobID: spec.JobID, Err: perr}
		}
	}()
	return e.workflow.run(ctx, spec)
}

func (e *Engine) lastProgress(ctx context.Context, jobID string) int {
	job, err := e.store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return 0
	}
	return job.Progress
}

// Stop cancels every run and waits for the workers to exit or for ctx to
// expire. Runs interrupted here are not reported as failed.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel, g := e.cancel, e.group
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel(ErrEngineStopped)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		slog.Info("engine stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// Recover re-submits every job the store still holds as unfinished and that
// was created before this engine started; later jobs belong to live
// submissions. Jobs whose files are gone are marked failed. It returns the
// number of jobs queued.
//
// Recovery assumes one engine per database: it does not claim jobs, so a job
// another instance is running would be replayed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	cutoff := e.recoveryCutoff()
	jobs, err := e.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	queued := 0
	for _, job := range jobs {
		if !job.CreatedAt.Before(cutoff) || e.Running(job.ID) {
			continue
		}
		files, err := e.store.ListJobFiles(ctx, job.ID)
		if err != nil {
			return queued, fmt.Errorf("list files for job %s: %w", job.ID, err)
		}
		if len(files) == 0 {
			msg := fmt.Sprintf(msgFailedFmt, "no files attached to job")
			if err := e.store.UpdateJobProgress(ctx, job.ID, job.Progress, models.JobStatusFailed, &msg); err != nil {
				return queued, fmt.Errorf("fail orphaned job %s: %w", job.ID, err)
			}
			slog.Warn("unrecoverable job marked failed", "job_id", job.ID)
			continue
		}

		err = e.Submit(SpecFromRecord(job, files))
		switch {
		case err == nil:
			queued++
		case errors.Is(err, ErrAlreadySubmitted):
			continue
		case errors.Is(err, ErrQueueFull):
			slog.Warn("recovery stopped, queue full", "queued", queued, "remaining", len(jobs)-queued)
			return queued, fmt.Errorf("resubmit job %s: %w", job.ID, err)
		default:
			return queued, fmt.Errorf("resubmit job %s: %w", job.ID, err)
		}
	}

	if queued > 0 {
		slog.Info("recovered unfinished jobs", "count", queued)
	}
	return queued, nil
}

// recoveryCutoff is the engine's start time, or now when it has not started.
func (e *Engine) recoveryCutoff() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return e.startedAt
	}
	return e.now()
}

// SpecFromRecord rebuilds the job specification persisted at submission.
func SpecFromRecord(job *models.CompressionJob, files []*models.CompressionFile) compress.JobSpec {
	items := make([]compress.FileItem, len(files))
	for i, f := range files {
		items[i] = compress.FileItem{Name: f.Filename, Content: f.Content, Size: f.Size}
	}
	return compress.JobSpec{
		JobID:  job.ID,
		Files:  items,
		Format: job.CompressionFormat,
		Level:  job.CompressionLevel,
	}
}
