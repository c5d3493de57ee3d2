package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/compressd/internal/compress"
	"github.com/kiranshivaraju/compressd/pkg/models"
)

const (
	msgStarting    = "Initializing compression"
	msgPreparing   = "Preparing files for compression"
	msgCompressing = "Compressing files"
	msgFinalizing  = "Finalizing compression"
	msgCompleted   = "Compression completed successfully"
	msgFailedFmt   = "Compression failed: %v"
)

// Result is the output of a successful workflow run.
type Result struct {
	JobID            string  `json:"job_id"`
	CompressedData   string  `json:"compressed_data"`
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Status           string  `json:"status"`
}

// WorkflowError is the terminal failure of a workflow run. Err is the error
// that stopped the sequence.
type WorkflowError struct {
	JobID string
	Err   error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("compression workflow failed: %v", e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

type builderLookup func(compress.Format) (compress.Builder, error)

// workflow sequences the activities of a single job. It holds no per-run
// state, so one value serves every worker.
type workflow struct {
	reporter     *Reporter
	archive      ActivityOptions
	prepareDelay time.Duration
	builderFor   builderLookup
}

// run drives spec from starting to completed. On any failure it emits one
// best-effort failed report, carrying the last emitted progress, unless the
// engine itself is shutting down.
func (w *workflow) run(ctx context.Context, spec compress.JobSpec) (*Result, error) {
	progress := models.ProgressStarting
	res, err := w.execute(ctx, spec, &progress)
	if err == nil {
		return res, nil
	}

	log := slog.With("job_id", spec.JobID, "workflow_id", models.WorkflowIDFor(spec.JobID))
	if errors.Is(err, ErrEngineStopped) {
		log.Info("workflow interrupted by shutdown, left for recovery", "progress", progress)
		return nil, &WorkflowError{JobID: spec.JobID, Err: err}
	}

	log.Error("compression workflow failed", "progress", progress, "error", err)
	w.reporter.Report(context.WithoutCancel(ctx), ProgressUpdate{
		JobID:    spec.JobID,
		Progress: progress,
		Status:   models.JobStatusFailed,
		Message:  fmt.Sprintf(msgFailedFmt, err),
	})
	return nil, &WorkflowError{JobID: spec.JobID, Err: err}
}

func (w *workflow) execute(ctx context.Context, spec compress.JobSpec, progress *int) (*Result, error) {
	format, err := compress.ParseFormat(spec.Format)
	if err != nil {
		return nil, err
	}
	build, err := w.builderFor(format)
	if err != nil {
		return nil, err
	}

	emit := func(p int, status, msg string) error {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		*progress = p
		w.reporter.Report(ctx, ProgressUpdate{JobID: spec.JobID, Progress: p, Status: status, Message: msg})
		return nil
	}

	if err := emit(models.ProgressStarting, models.JobStatusStarting, msgStarting); err != nil {
		return nil, err
	}

	originalSize := spec.OriginalSize()

	if err := emit(models.ProgressPreparing, models.JobStatusPreparing, msgPreparing); err != nil {
		return nil, err
	}

	if err := sleep(ctx, w.prepareDelay); err != nil {
		return nil, err
	}

	if err := emit(models.ProgressCompressing, models.JobStatusCompressing, msgCompressing); err != nil {
		return nil, err
	}

	data, err := executeActivity(ctx, archiveActivity(format), w.archive, func(context.Context) ([]byte, error) {
		return build(spec)
	})
	if err != nil {
		return nil, err
	}

	compressedSize := int64(len(data))
	ratio := compressionRatio(originalSize, compressedSize)

	if err := emit(models.ProgressFinalizing, models.JobStatusFinalizing, msgFinalizing); err != nil {
		return nil, err
	}

	payload := compress.EncodePayload(data)

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	*progress = models.ProgressCompleted
	w.reporter.Report(ctx, ProgressUpdate{
		JobID:    spec.JobID,
		Progress: models.ProgressCompleted,
		Status:   models.JobStatusCompleted,
		Message:  msgCompleted,
		Completion: &Completion{
			CompressedSize: compressedSize,
			Ratio:          ratio,
			Payload:        payload,
		},
	})

	return &Result{
		JobID:            spec.JobID,
		CompressedData:   payload,
		OriginalSize:     originalSize,
		CompressedSize:   compressedSize,
		CompressionRatio: ratio,
		Status:           models.JobStatusCompleted,
	}, nil
}

// compressionRatio is the percentage saved. It goes negative when the archive
// is larger than its input and is 0 for empty input.
func compressionRatio(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(original-compressed) / float64(original) * 100
}

func archiveActivity(f compress.Format) string {
	return "build_" + string(f) + "_archive"
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
