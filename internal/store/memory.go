package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mediamill/mediamill/internal/domain"
	"github.com/mediamill/mediamill/internal/id"
)

// MemoryStore mirrors the Postgres semantics, including exclusive claims and
// the claim-conflict guard, for tests and local runs without a database.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]domain.Job
	files    map[string]domain.File
	projects map[string]domain.Project
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]domain.Job),
		files:    make(map[string]domain.File),
		projects: make(map[string]domain.Project),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Test use only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Enqueue(_ context.Context, fileID string, payload domain.JobPayload) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := domain.Job{
		ID:        id.New(),
		FileID:    fileID,
		Status:    domain.JobStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, maxN int) ([]domain.Job, error) {
	if maxN <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > maxN {
		pending = pending[:maxN]
	}

	now := s.now()
	claimed := make([]domain.Job, 0, len(pending))
	for _, job := range pending {
		job.Status = domain.JobStatusProcessing
		job.Attempts++
		claimedAt := now
		job.ClaimedAt = &claimedAt
		job.UpdatedAt = now
		s.jobs[job.ID] = job
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *MemoryStore) Complete(_ context.Context, jobID string) error {
	return s.finishJob(jobID, domain.JobStatusCompleted, "")
}

func (s *MemoryStore) Fail(_ context.Context, jobID, reason string) error {
	return s.finishJob(jobID, domain.JobStatusFailed, reason)
}

func (s *MemoryStore) finishJob(jobID, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return ErrClaimConflict
	}

	job.Status = status
	job.Error = reason
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) ResetStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	reset := 0
	for jobID, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing || job.ClaimedAt == nil {
			continue
		}
		if job.ClaimedAt.Before(cutoff) {
			job.Status = domain.JobStatusPending
			job.UpdatedAt = s.now()
			s.jobs[jobID] = job
			reset++
		}
	}
	return reset, nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, projectID, status string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		file, ok := s.files[job.FileID]
		if !ok || file.ProjectID != projectID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ListJobsForFile(_ context.Context, fileID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.FileID == fileID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) CreateFile(_ context.Context, file domain.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file.Variants == nil {
		file.Variants = map[string]string{}
	}
	s.files[file.ID] = file
	return nil
}

func (s *MemoryStore) GetFile(_ context.Context, fileID string) (domain.File, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[fileID]
	if !ok {
		return domain.File{}, false, nil
	}
	variants := make(map[string]string, len(file.Variants))
	for name, key := range file.Variants {
		variants[name] = key
	}
	file.Variants = variants
	return file, true, nil
}

func (s *MemoryStore) MergeVariants(_ context.Context, fileID string, variants map[string]string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[fileID]
	if !ok {
		return ErrFileNotFound
	}
	if file.Variants == nil {
		file.Variants = map[string]string{}
	}
	for name, key := range variants {
		file.Variants[name] = key
	}
	// A file that already reached ready stays ready; a worker finishing a
	// lost claim late must not regress the status the current owner set.
	if file.Status != domain.FileStatusReady {
		file.Status = status
	}
	file.UpdatedAt = s.now()
	s.files[fileID] = file
	return nil
}

func (s *MemoryStore) CreateProject(_ context.Context, project domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (domain.Project, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	return project, ok, nil
}
