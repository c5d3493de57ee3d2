package engine

import (
	"context"
	"log/slog"

	"github.com/kiranshivaraju/compressd/internal/metrics"
	"github.com/kiranshivaraju/compressd/internal/store"
)

const reportActivity = "report_progress"

// ProgressUpdate is one milestone emitted by a workflow run.
type ProgressUpdate struct {
	JobID    string
	Progress int
	Status   string
	Message  string
	// Completion is set only on the completed milestone.
	Completion *Completion
}

// Completion carries the outputs persisted with the completed milestone.
type Completion struct {
	CompressedSize int64
	Ratio          float64
	Payload        string
}

// Reporter writes progress updates to the store. Report never fails: errors
// are logged and counted, and the workflow carries on.
type Reporter struct {
	store store.Store
	opts  ActivityOptions
}

// NewReporter creates a Reporter that runs each update under opts.
func NewReporter(s store.Store, opts ActivityOptions) *Reporter {
	return &Reporter{store: s, opts: opts}
}

// Report delivers u on a best-effort basis.
func (r *Reporter) Report(ctx context.Context, u ProgressUpdate) {
	_, err := executeActivity(ctx, reportActivity, r.opts, func(ctx context.Context) (struct{}, error) {
		if u.Completion != nil {
			c := u.Completion
			return struct{}{}, r.store.CompleteJob(ctx, u.JobID, c.CompressedSize, c.Ratio, c.Payload)
		}
		msg := u.Message
		return struct{}{}, r.store.UpdateJobProgress(ctx, u.JobID, u.Progress, u.Status, &msg)
	})
	if err != nil {
		metrics.ProgressReportFailuresTotal.Inc()
		slog.Warn("progress report dropped",
			"job_id", u.JobID,
			"status", u.Status,
			"progress", u.Progress,
			"error", err,
		)
	}
}
