package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/compressd/pkg/models"
)

// MemoryStore is an in-process Store for tests and local experiments. It
// mirrors PostgresStore's update semantics, including the terminal-record guard.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*models.CompressionJob
	files map[string][]*models.CompressionFile
	keys  map[uuid.UUID]*models.APIKey
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*models.CompressionJob),
		files: make(map[string][]*models.CompressionFile),
		keys:  make(map[uuid.UUID]*models.APIKey),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func cloneJob(j *models.CompressionJob) *models.CompressionJob {
	c := *j
	return &c
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.CompressionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateID
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.CompressionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) UpdateJobProgress(_ context.Context, id string, progress int, status string, message *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || models.IsTerminal(j.Status) {
		return nil
	}
	now := s.now()
	j.Progress = progress
	j.Status = status
	if message != nil {
		m := *message
		j.Message = &m
	}
	if status == models.JobStatusStarting && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if models.IsTerminal(status) {
		j.CompletedAt = &now
	}
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, id string, compressedSize int64, ratio float64, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || models.IsTerminal(j.Status) {
		return nil
	}
	now := s.now()
	msg := completedMessage
	j.Status = models.JobStatusCompleted
	j.Progress = models.ProgressCompleted
	j.Message = &msg
	j.CompressedSize = &compressedSize
	j.CompressionRatio = &ratio
	j.CompressedData = &payload
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListRecentJobs(_ context.Context, limit int) ([]*models.CompressionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*models.CompressionJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		c := cloneJob(j)
		c.CompressedData = nil
		jobs = append(jobs, c)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if n := NormalizeLimit(limit); len(jobs) > n {
		jobs = jobs[:n]
	}
	return jobs, nil
}

func (s *MemoryStore) ListUnfinishedJobs(_ context.Context) ([]*models.CompressionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := []*models.CompressionJob{}
	for _, j := range s.jobs {
		if models.IsTerminal(j.Status) {
			continue
		}
		c := cloneJob(j)
		c.CompressedData = nil
		jobs = append(jobs, c)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}

func (s *MemoryStore) AttachFiles(_ context.Context, jobID string, files []*models.CompressionFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	for _, f := range files {
		c := *f
		c.JobID = jobID
		s.files[jobID] = append(s.files[jobID], &c)
	}
	sort.SliceStable(s.files[jobID], func(a, b int) bool {
		return s.files[jobID][a].Position < s.files[jobID][b].Position
	})
	return nil
}

func (s *MemoryStore) ListJobFiles(_ context.Context, jobID string) ([]*models.CompressionFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.CompressionFile
	for _, f := range s.files[jobID] {
		c := *f
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateID
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
