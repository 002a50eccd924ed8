// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ank61/leadengine/internal/scrape"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// JobStore persists jobs in scrape_jobs and result records in raw_leads.
type JobStore struct {
	pool pool
}

// NewJobStore connects a pool using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: p}, nil
}

// NewJobStoreWithPool builds a store on an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: p}, nil
}

// Close releases the pool.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return mapError("ping", err)
	}
	return nil
}

const jobColumns = `id, user_id, status, industry, geography, keywords, source_types,
	search_query, filters, total_found, total_processed, created_at, started_at, completed_at`

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	c := job.Criteria.Normalize()
	keywords, err := json.Marshal(c.Keywords)
	if err != nil {
		return fmt.Errorf("%w: marshal keywords: %w", scrape.ErrPersistence, err)
	}
	sourceTypes, err := json.Marshal(c.SourceTypes)
	if err != nil {
		return fmt.Errorf("%w: marshal source types: %w", scrape.ErrPersistence, err)
	}
	filters, err := json.Marshal(c.Filters)
	if err != nil {
		return fmt.Errorf("%w: marshal filters: %w", scrape.ErrPersistence, err)
	}
	query := `
INSERT INTO scrape_jobs (
	id, user_id, status, industry, geography, keywords, source_types,
	search_query, filters, total_found, total_processed, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		string(job.Status),
		nullString(c.Industry),
		nullString(c.Geography),
		keywords,
		sourceTypes,
		c.SearchQuery,
		filters,
		job.TotalFound,
		job.TotalProcessed,
		job.CreatedAt,
	)
	if err != nil {
		return mapError("insert job", err)
	}
	return nil
}

// GetJob loads one job.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
		}
		return scrape.Job{}, mapError("get job", err)
	}
	return job, nil
}

// ListJobsByUser returns the user's jobs, newest first.
func (s *JobStore) ListJobsByUser(ctx context.Context, userID string, opts scrape.ListOptions) ([]scrape.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
	var limit any
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	rows, err := s.pool.Query(ctx, query, userID, limit, opts.Offset)
	if err != nil {
		return nil, mapError("list jobs", err)
	}
	defer rows.Close()

	jobs := []scrape.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, mapError("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list jobs", err)
	}
	return jobs, nil
}

// DeleteJob removes a job; raw_leads rows go with it through ON DELETE CASCADE.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scrape_jobs WHERE id = $1`, jobID)
	if err != nil {
		return mapError("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	return nil
}

// MarkRunning sets running and started_at when the job is still queued.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scrape_jobs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`,
		jobID, string(scrape.JobStatusRunning), startedAt, string(scrape.JobStatusQueued))
	if err != nil {
		return mapError("mark running", err)
	}
	return s.checkTransition(ctx, tag, jobID, scrape.JobStatusRunning)
}

// MarkCompleted records the final counters on a running job.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID string, c scrape.Completion) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_jobs
SET status = $2, total_found = $3, total_processed = $4, completed_at = $5
WHERE id = $1 AND status = $6`,
		jobID, string(scrape.JobStatusCompleted), c.TotalFound, c.TotalProcessed, c.CompletedAt,
		string(scrape.JobStatusRunning))
	if err != nil {
		return mapError("mark completed", err)
	}
	return s.checkTransition(ctx, tag, jobID, scrape.JobStatusCompleted)
}

// MarkFailed sets failed on a queued or running job.
func (s *JobStore) MarkFailed(ctx context.Context, jobID string, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_jobs
SET status = $2, completed_at = $3
WHERE id = $1 AND status IN ($4, $5)`,
		jobID, string(scrape.JobStatusFailed), completedAt,
		string(scrape.JobStatusQueued), string(scrape.JobStatusRunning))
	if err != nil {
		return mapError("mark failed", err)
	}
	return s.checkTransition(ctx, tag, jobID, scrape.JobStatusFailed)
}

// checkTransition tells a missing job apart from one in the wrong state
// when a conditional update touched no rows.
func (s *JobStore) checkTransition(ctx context.Context, tag pgconn.CommandTag, jobID string, to scrape.JobStatus) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM scrape_jobs WHERE id = $1`, jobID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
		}
		return mapError("read job status", err)
	}
	return fmt.Errorf("%w: job %s is %s, cannot become %s", scrape.ErrInvalidTransition, jobID, current, to)
}

// InsertRecord inserts a raw lead. The unique index on data_hash rejects repeats.
func (s *JobStore) InsertRecord(ctx context.Context, rec scrape.ResultRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %w", scrape.ErrPersistence, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO raw_leads (id, user_id, scrape_job_id, raw_payload, source_url, data_hash, scraped_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.UserID, rec.JobID, payload, nullString(rec.SourceURL), rec.ContentHash, rec.ScrapedAt)
	if err != nil {
		return mapError("insert record", err)
	}
	return nil
}

// RecordExists reports whether a raw lead with the hash exists.
func (s *JobStore) RecordExists(ctx context.Context, contentHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM raw_leads WHERE data_hash = $1)`, contentHash).Scan(&exists)
	if err != nil {
		return false, mapError("check record", err)
	}
	return exists, nil
}

// ListRecords returns a job's raw leads in scrape order.
func (s *JobStore) ListRecords(ctx context.Context, jobID string) ([]scrape.ResultRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, scrape_job_id, user_id, raw_payload, source_url, data_hash, scraped_at
FROM raw_leads
WHERE scrape_job_id = $1
ORDER BY scraped_at, id`, jobID)
	if err != nil {
		return nil, mapError("list records", err)
	}
	defer rows.Close()

	recs := []scrape.ResultRecord{}
	for rows.Next() {
		var (
			rec       scrape.ResultRecord
			payload   []byte
			sourceURL *string
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.UserID, &payload, &sourceURL, &rec.ContentHash, &rec.ScrapedAt); err != nil {
			return nil, mapError("scan record", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("%w: decode payload: %w", scrape.ErrPersistence, err)
		}
		if sourceURL != nil {
			rec.SourceURL = *sourceURL
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list records", err)
	}
	return recs, nil
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		job                           scrape.Job
		status                        string
		industry, geography           *string
		keywords, sourceTypes, filter []byte
		searchQuery                   *string
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&status,
		&industry,
		&geography,
		&keywords,
		&sourceTypes,
		&searchQuery,
		&filter,
		&job.TotalFound,
		&job.TotalProcessed,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	job.Status = scrape.JobStatus(status)
	if industry != nil {
		job.Criteria.Industry = *industry
	}
	if geography != nil {
		job.Criteria.Geography = *geography
	}
	if searchQuery != nil {
		job.Criteria.SearchQuery = *searchQuery
	}
	if err := unmarshalJSONB(keywords, &job.Criteria.Keywords); err != nil {
		return scrape.Job{}, err
	}
	if err := unmarshalJSONB(sourceTypes, &job.Criteria.SourceTypes); err != nil {
		return scrape.Job{}, err
	}
	if err := unmarshalJSONB(filter, &job.Criteria.Filters); err != nil {
		return scrape.Job{}, err
	}
	job.Criteria = job.Criteria.Normalize()
	return job, nil
}

func unmarshalJSONB(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode jsonb column: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
