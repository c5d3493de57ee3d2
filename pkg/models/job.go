// Package models contains shared data models used across the compressd codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending     = "pending"
	JobStatusStarting    = "starting"
	JobStatusPreparing   = "preparing"
	JobStatusCompressing = "compressing"
	JobStatusFinalizing  = "finalizing"
	JobStatusCompleted   = "completed"
	JobStatusFailed      = "failed"
)

// Progress milestones recorded alongside each happy-path status.
const (
	ProgressStarting    = 0
	ProgressPreparing   = 25
	ProgressCompressing = 50
	ProgressFinalizing  = 90
	ProgressCompleted   = 100
)

// IsTerminal reports whether a job in this status can no longer change.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// UnfinishedStatuses lists every status a job can be left in by an interrupted run.
var UnfinishedStatuses = []string{
	JobStatusPending,
	JobStatusStarting,
	JobStatusPreparing,
	JobStatusCompressing,
	JobStatusFinalizing,
}

// CompressionJob is the persisted record of one compression request. The client
// submits files, receives the job id, and polls until status is completed or failed.
type CompressionJob struct {
	ID                string     `db:"id"                 json:"id"`
	WorkflowID        string     `db:"workflow_id"        json:"workflow_id"`
	Status            string     `db:"status"             json:"status"`
	Progress          int        `db:"progress"           json:"progress"`
	Message           *string    `db:"message"            json:"message,omitempty"`
	FileCount         int        `db:"file_count"         json:"file_count"`
	OriginalSize      int64      `db:"original_size"      json:"original_size"`
	CompressedSize    *int64     `db:"compressed_size"    json:"compressed_size,omitempty"`
	CompressionRatio  *float64   `db:"compression_ratio"  json:"compression_ratio,omitempty"`
	CompressionFormat string     `db:"compression_format" json:"compression_format"`
	CompressionLevel  int        `db:"compression_level"  json:"compression_level"`
	CompressedData    *string    `db:"compressed_data"    json:"-"`
	CreatedAt         time.Time  `db:"created_at"         json:"created_at"`
	StartedAt         *time.Time `db:"started_at"         json:"started_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at"       json:"completed_at,omitempty"`
	UpdatedAt         time.Time  `db:"updated_at"         json:"updated_at"`
}

// CompressionFile is one input file attached to a job at submission time.
// Content is kept base64 encoded so the record can be replayed after a restart.
type CompressionFile struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	JobID     string    `db:"job_id"     json:"job_id"`
	Filename  string    `db:"filename"   json:"filename"`
	Size      int64     `db:"size"       json:"size"`
	Content   string    `db:"content"    json:"-"`
	Position  int       `db:"position"   json:"position"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// WorkflowIDFor derives the workflow run identifier for a job.
func WorkflowIDFor(jobID string) string {
	return "compression-" + jobID
}
