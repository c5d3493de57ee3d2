package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/compressd/internal/connmgr"
	"github.com/kiranshivaraju/compressd/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5. The pool is
// owned by a connmgr.Manager and fetched per call, never cached here.
type PostgresStore struct {
	conn *connmgr.Manager[*pgxpool.Pool]
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(conn *connmgr.Manager[*pgxpool.Pool]) *PostgresStore {
	return &PostgresStore{conn: conn}
}

func (s *PostgresStore) pool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := s.conn.AwaitReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("await database: %w", err)
	}
	return pool, nil
}

// --- Jobs ---

const jobSummaryColumns = `id, workflow_id, status, progress, message, file_count, original_size,
	compressed_size, compression_ratio, compression_format, compression_level,
	created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row, withData bool) (*models.CompressionJob, error) {
	var j models.CompressionJob
	dest := []any{&j.ID, &j.WorkflowID, &j.Status, &j.Progress, &j.Message, &j.FileCount,
		&j.OriginalSize, &j.CompressedSize, &j.CompressionRatio, &j.CompressionFormat,
		&j.CompressionLevel, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt}
	if withData {
		dest = append(dest, &j.CompressedData)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.CompressionJob) error {
	pool, err := s.pool(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO compression_jobs (id, workflow_id, status, progress, message, file_count, original_size,
		   compression_format, compression_level, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.WorkflowID, job.Status, job.Progress, job.Message, job.FileCount, job.OriginalSize,
		job.CompressionFormat, job.CompressionLevel, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.CompressionJob, error) {
	pool, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}
	j, err := scanJob(pool.QueryRow(ctx,
		`SELECT `+jobSummaryColumns+`, compressed_data FROM compression_jobs WHERE id = $1`, id), true)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id string, progress int, status string, message *string) error {
	pool, err := s.pool(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = pool.Exec(ctx,
		`UPDATE compression_jobs SET
		   progress = $2,
		   status = $3::text,
		   message = COALESCE($4, message),
		   started_at = CASE WHEN $3::text = 'starting' THEN COALESCE(started_at, $5) ELSE started_at END,
		   completed_at = CASE WHEN $3::text IN ('completed', 'failed') THEN $5 ELSE completed_at END,
		   updated_at = $5
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, progress, status, message, now)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, compressedSize int64, ratio float64, payload string) error {
	pool, err := s.pool(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = pool.Exec(ctx,
		`UPDATE compression_jobs SET
		   status = $2, progress = $3, message = $4,
		   compressed_size = $5, compression_ratio = $6, compressed_data = $7,
		   completed_at = $8, updated_at = $8
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, models.JobStatusCompleted, models.ProgressCompleted, completedMessage,
		compressedSize, ratio, payload, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecentJobs(ctx context.Context, limit int) ([]*models.CompressionJob, error) {
	pool, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		`SELECT `+jobSummaryColumns+` FROM compression_jobs ORDER BY created_at DESC LIMIT $1`,
		NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListUnfinishedJobs(ctx context.Context) ([]*models.CompressionJob, error) {
	pool, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		`SELECT `+jobSummaryColumns+` FROM compression_jobs WHERE status = ANY($1) ORDER BY created_at`,
		models.UnfinishedStatuses)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*models.CompressionJob, error) {
	defer rows.Close()
	jobs := []*models.CompressionJob{}
	for rows.Next() {
		j, err := scanJob(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Files ---

func (s *PostgresStore) AttachFiles(ctx context.Context, jobID string, files []*models.CompressionFile) error {
	if len(files) == 0 {
		return nil
	}
	pool, err := s.pool(ctx)
	if err != nil {
		return err
	}
	_, err = pool.CopyFrom(ctx,
		pgx.Identifier{"compression_files"},
		[]string{"id", "job_id", "filename", "size", "content", "position", "created_at"},
		pgx.CopyFromSlice(len(files), func(i int) ([]any, error) {
			f := files[i]
			return []any{f.ID, jobID, f.Filename, f.Size, f.Content, f.Position, f.CreatedAt}, nil
		}))
	if err != nil {
		return fmt.Errorf("attach files: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListJobFiles(ctx context.Context, jobID string) ([]*models.CompressionFile, error) {
	pool, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		`SELECT id, job_id, filename, size, content, position, created_at
		 FROM compression_files WHERE job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job files: %w", err)
	}
	defer rows.Close()

	var files []*models.CompressionFile
	for rows.Next() {
		var f models.CompressionFile
		if err := rows.Scan(&f.ID, &f.JobID, &f.Filename, &f.Size, &f.Content, &f.Position, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job file: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	pool, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	pool, err := s.pool(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	pool, err := s.pool(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	pool, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	pool, err := s.pool(ctx)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
