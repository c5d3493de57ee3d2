package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/compressd/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateID = errors.New("duplicate id")

// Store is the data access interface. All database operations go through here.
//
// UpdateJobProgress and CompleteJob are best-effort: an unknown id, or a job
// that already reached a terminal status, is a silent no-op rather than an error.
type Store interface {
	CreateJob(ctx context.Context, job *models.CompressionJob) error
	GetJob(ctx context.Context, id string) (*models.CompressionJob, error)
	UpdateJobProgress(ctx context.Context, id string, progress int, status string, message *string) error
	CompleteJob(ctx context.Context, id string, compressedSize int64, ratio float64, payload string) error
	ListRecentJobs(ctx context.Context, limit int) ([]*models.CompressionJob, error)
	ListUnfinishedJobs(ctx context.Context) ([]*models.CompressionJob, error)

	AttachFiles(ctx context.Context, jobID string, files []*models.CompressionFile) error
	ListJobFiles(ctx context.Context, jobID string) ([]*models.CompressionFile, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// NormalizeLimit clamps a list limit to (0, 100], defaulting to 50.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

const completedMessage = "Compression completed successfully"
