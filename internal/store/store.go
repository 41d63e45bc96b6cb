package store

import (
	"context"
	"errors"
	"time"

	"github.com/mediamill/mediamill/internal/domain"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrProjectNotFound = errors.New("project not found")

	// ErrClaimConflict reports a completed/failed transition on a job this
	// caller no longer owns, typically after a stale reset handed the job to
	// another worker. Callers must stop side effects for that job.
	ErrClaimConflict = errors.New("job is not processing under this claim")
)

// JobStore owns the durable job queue: claiming, status transitions and
// stale-job recovery. ClaimBatch must never hand the same job to two callers,
// however many workers poll concurrently.
type JobStore interface {
	Enqueue(ctx context.Context, fileID string, payload domain.JobPayload) (domain.Job, error)
	ClaimBatch(ctx context.Context, maxN int) ([]domain.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, reason string) error
	ResetStale(ctx context.Context, olderThan time.Duration) (int, error)
	GetJob(ctx context.Context, id string) (domain.Job, bool, error)
	ListJobs(ctx context.Context, projectID, status string, limit, offset int) ([]domain.Job, error)
	// ListJobsForFile returns every job for one file, oldest first. Callers
	// use it to find live work before enqueueing more for the same file.
	ListJobsForFile(ctx context.Context, fileID string) ([]domain.Job, error)
}

type FileStore interface {
	CreateFile(ctx context.Context, file domain.File) error
	GetFile(ctx context.Context, id string) (domain.File, bool, error)
	// MergeVariants adds variant keys to the file's variants map and sets the
	// file status. Existing entries for other variants are preserved, and a
	// file that already reached ready is never downgraded.
	MergeVariants(ctx context.Context, fileID string, variants map[string]string, status string) error
}

type ProjectStore interface {
	GetProject(ctx context.Context, id string) (domain.Project, bool, error)
}
