package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mediamill/mediamill/internal/domain"
	"github.com/mediamill/mediamill/internal/id"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	settings JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	storage_key TEXT NOT NULL UNIQUE,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size BIGINT NOT NULL,
	status TEXT NOT NULL,
	variants JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	payload JSONB NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	claimed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs (status, created_at);
`

const jobColumns = `id, file_id, status, payload, attempts, error, claimed_at, created_at, updated_at`

// PostgresStore implements JobStore, FileStore and ProjectStore on one
// database/sql pool. The pool must be sized at least as large as the worker
// concurrency so concurrent claim/complete calls never starve.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(ctx context.Context, fileID string, payload domain.JobPayload) (domain.Job, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job payload: %w", err)
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:        id.New(),
		FileID:    fileID,
		Status:    domain.JobStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, file_id, status, payload, attempts, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, '', $5, $6)`,
		job.ID,
		job.FileID,
		job.Status,
		payloadJSON,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimBatch atomically moves up to maxN pending jobs to processing and
// returns them. FOR UPDATE SKIP LOCKED makes concurrent callers skip rows an
// in-flight claim already locked instead of blocking on them, so losers of a
// race get fewer rows, never duplicates. Oldest jobs are claimed first.
func (s *PostgresStore) ClaimBatch(ctx context.Context, maxN int) ([]domain.Job, error) {
	if maxN <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	rows, err := s.db.QueryContext(
		ctx,
		`UPDATE jobs
		 SET status = $1, claimed_at = $2, updated_at = $2, attempts = attempts + 1
		 WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $3
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		domain.JobStatusProcessing,
		now,
		domain.JobStatusPending,
		maxN,
	)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID string) error {
	return s.finishJob(ctx, jobID, domain.JobStatusCompleted, "")
}

func (s *PostgresStore) Fail(ctx context.Context, jobID, reason string) error {
	return s.finishJob(ctx, jobID, domain.JobStatusFailed, reason)
}

// finishJob transitions processing -> terminal. The status guard in the WHERE
// clause is what detects a lost claim: zero rows affected on an existing job
// means another worker owns it now.
func (s *PostgresStore) finishJob(ctx context.Context, jobID, status, reason string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = $1, error = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		status,
		reason,
		time.Now().UTC(),
		jobID,
		domain.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if affected == 1 {
		return nil
	}

	if _, ok, err := s.GetJob(ctx, jobID); err != nil {
		return err
	} else if !ok {
		return ErrJobNotFound
	}
	return ErrClaimConflict
}

func (s *PostgresStore) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = $1, updated_at = $2
		 WHERE status = $3 AND claimed_at < $4`,
		domain.JobStatusPending,
		time.Now().UTC(),
		domain.JobStatusProcessing,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, projectID, status string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT j.id, j.file_id, j.status, j.payload, j.attempts, j.error, j.claimed_at, j.created_at, j.updated_at
		 FROM jobs j
		 JOIN files f ON f.id = j.file_id
		 WHERE f.project_id = $1`
	args := []any{projectID}
	if status != "" {
		query += ` AND j.status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY j.created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListJobsForFile(ctx context.Context, fileID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE file_id = $1 ORDER BY created_at`,
		fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs for file: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs for file: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CreateFile(ctx context.Context, file domain.File) error {
	variantsJSON, err := json.Marshal(variantsOrEmpty(file.Variants))
	if err != nil {
		return fmt.Errorf("marshal file variants: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO files (id, project_id, storage_key, filename, mime_type, size, status, variants, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		file.ID,
		file.ProjectID,
		file.StorageKey,
		file.Filename,
		file.MimeType,
		file.Size,
		file.Status,
		variantsJSON,
		file.CreatedAt,
		file.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID string) (domain.File, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, project_id, storage_key, filename, mime_type, size, status, variants, created_at, updated_at
		 FROM files WHERE id = $1`,
		fileID,
	)

	var (
		file         domain.File
		variantsJSON []byte
	)
	if err := row.Scan(
		&file.ID,
		&file.ProjectID,
		&file.StorageKey,
		&file.Filename,
		&file.MimeType,
		&file.Size,
		&file.Status,
		&variantsJSON,
		&file.CreatedAt,
		&file.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return domain.File{}, false, nil
		}
		return domain.File{}, false, fmt.Errorf("query file: %w", err)
	}

	if err := json.Unmarshal(variantsJSON, &file.Variants); err != nil {
		return domain.File{}, false, fmt.Errorf("unmarshal file variants: %w", err)
	}
	return file, true, nil
}

func (s *PostgresStore) MergeVariants(ctx context.Context, fileID string, variants map[string]string, status string) error {
	variantsJSON, err := json.Marshal(variantsOrEmpty(variants))
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}

	// The CASE keeps a ready file ready: a worker finishing a lost claim
	// late must not regress the status the current owner set.
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE files
		 SET variants = variants || $1::jsonb,
		     status = CASE WHEN status = $2 THEN status ELSE $3 END,
		     updated_at = $4
		 WHERE id = $5`,
		variantsJSON,
		domain.FileStatusReady,
		status,
		time.Now().UTC(),
		fileID,
	)
	if err != nil {
		return fmt.Errorf("merge file variants: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrFileNotFound
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (domain.Project, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, settings, created_at, updated_at FROM projects WHERE id = $1`,
		projectID,
	)

	var (
		project      domain.Project
		settingsJSON []byte
	)
	if err := row.Scan(&project.ID, &project.Name, &settingsJSON, &project.CreatedAt, &project.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, fmt.Errorf("query project: %w", err)
	}

	if err := json.Unmarshal(settingsJSON, &project.Settings); err != nil {
		return domain.Project{}, false, fmt.Errorf("unmarshal project settings: %w", err)
	}
	return project, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job         domain.Job
		payloadJSON []byte
		claimedAt   sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.FileID,
		&job.Status,
		&payloadJSON,
		&job.Attempts,
		&job.Error,
		&claimedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if claimedAt.Valid {
		t := claimedAt.Time
		job.ClaimedAt = &t
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job payload: %w", err)
	}
	return job, nil
}

func variantsOrEmpty(variants map[string]string) map[string]string {
	if variants == nil {
		return map[string]string{}
	}
	return variants
}
