// Package jobstatus projects stored job records into the payload returned to clients.
package jobstatus

import (
	"time"

	"github.com/kiranshivaraju/compressd/pkg/models"
)

// Payload is the client-facing view of a compression job. The archive itself
// is never part of it; clients fetch it through the download endpoint.
type Payload struct {
	JobID             string   `json:"job_id"`
	WorkflowID        string   `json:"workflow_id"`
	Status            string   `json:"status"`
	Progress          int      `json:"progress"`
	Message           *string  `json:"message"`
	FileCount         int      `json:"file_count"`
	OriginalSize      int64    `json:"original_size"`
	CompressedSize    *int64   `json:"compressed_size"`
	CompressionRatio  *float64 `json:"compression_ratio"`
	CompressionFormat string   `json:"compression_format"`
	CompressionLevel  int      `json:"compression_level"`
	CreatedAt         *string  `json:"created_at"`
	StartedAt         *string  `json:"started_at"`
	CompletedAt       *string  `json:"completed_at"`
	UpdatedAt         *string  `json:"updated_at"`
}

// Terminal reports whether the projected job can no longer change.
func (p Payload) Terminal() bool {
	return models.IsTerminal(p.Status)
}

// FromRecord copies job into a Payload. It performs no I/O.
func FromRecord(job *models.CompressionJob) Payload {
	return Payload{
		JobID:             job.ID,
		WorkflowID:        job.WorkflowID,
		Status:            job.Status,
		Progress:          job.Progress,
		Message:           copyPtr(job.Message),
		FileCount:         job.FileCount,
		OriginalSize:      job.OriginalSize,
		CompressedSize:    copyPtr(job.CompressedSize),
		CompressionRatio:  copyPtr(job.CompressionRatio),
		CompressionFormat: job.CompressionFormat,
		CompressionLevel:  job.CompressionLevel,
		CreatedAt:         formatTime(&job.CreatedAt),
		StartedAt:         formatTime(job.StartedAt),
		CompletedAt:       formatTime(job.CompletedAt),
		UpdatedAt:         formatTime(&job.UpdatedAt),
	}
}

// FromRecords projects a list, preserving order.
func FromRecords(jobs []*models.CompressionJob) []Payload {
	out := make([]Payload, len(jobs))
	for i, j := range jobs {
		out[i] = FromRecord(j)
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
