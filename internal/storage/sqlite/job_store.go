// Package sqlite provides a single-file job store on GORM and SQLite, for
// development and single-node deployments without Postgres.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Ank61/leadengine/internal/scrape"
)

type jobRow struct {
	ID             string  `gorm:"primaryKey"`
	UserID         string  `gorm:"index;not null"`
	Status         string  `gorm:"index;not null;default:queued"`
	Industry       *string `gorm:"size:255"`
	Geography      *string `gorm:"size:255"`
	Keywords       datatypes.JSON
	SourceTypes    datatypes.JSON
	SearchQuery    string
	Filters        datatypes.JSONMap
	TotalFound     int
	TotalProcessed int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (jobRow) TableName() string { return "scrape_jobs" }

type recordRow struct {
	ID          string            `gorm:"primaryKey"`
	UserID      string            `gorm:"index;not null"`
	ScrapeJobID string            `gorm:"index;not null"`
	RawPayload  datatypes.JSONMap `gorm:"not null"`
	SourceURL   *string
	DataHash    string `gorm:"uniqueIndex;not null"`
	ScrapedAt   time.Time
}

func (recordRow) TableName() string { return "raw_leads" }

// JobStore implements scrape.JobStore on SQLite.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore opens (creating if needed) the database file and migrates the schema.
func NewJobStore(dbPath string) (*JobStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql DB: %w", err)
	}
	// SQLite allows one writer; serializing connections avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&jobRow{}, &recordRow{}); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}
	return &JobStore{db: db}, nil
}

// Close closes the underlying database.
func (s *JobStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *JobStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: get sql DB: %w", scrape.ErrPersistence, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", scrape.ErrPersistence, err)
	}
	return nil
}

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: insert job: %w", scrape.ErrPersistence, err)
	}
	return nil
}

// GetJob loads one job.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", jobID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
		}
		return scrape.Job{}, fmt.Errorf("%w: get job: %w", scrape.ErrPersistence, err)
	}
	return fromJobRow(row)
}

// ListJobsByUser returns the user's jobs, newest first.
func (s *JobStore) ListJobsByUser(ctx context.Context, userID string, opts scrape.ListOptions) ([]scrape.Job, error) {
	var rows []jobRow
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Order("id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list jobs: %w", scrape.ErrPersistence, err)
	}
	jobs := make([]scrape.Job, 0, len(rows))
	for _, row := range rows {
		job, err := fromJobRow(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeleteJob removes a job and its records in one transaction.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scrape_job_id = ?", jobID).Delete(&recordRow{}).Error; err != nil {
			return fmt.Errorf("%w: delete records: %w", scrape.ErrPersistence, err)
		}
		res := tx.Where("id = ?", jobID).Delete(&jobRow{})
		if res.Error != nil {
			return fmt.Errorf("%w: delete job: %w", scrape.ErrPersistence, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
		}
		return nil
	})
}

// MarkRunning sets running and started_at when the job is still queued.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string, startedAt time.Time) error {
	return s.transition(ctx, jobID, scrape.JobStatusRunning, map[string]any{
		"status":     string(scrape.JobStatusRunning),
		"started_at": startedAt,
	}, scrape.JobStatusQueued)
}

// MarkCompleted records the final counters on a running job.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID string, c scrape.Completion) error {
	return s.transition(ctx, jobID, scrape.JobStatusCompleted, map[string]any{
		"status":          string(scrape.JobStatusCompleted),
		"total_found":     c.TotalFound,
		"total_processed": c.TotalProcessed,
		"completed_at":    c.CompletedAt,
	}, scrape.JobStatusRunning)
}

// MarkFailed sets failed on a queued or running job.
func (s *JobStore) MarkFailed(ctx context.Context, jobID string, completedAt time.Time) error {
	return s.transition(ctx, jobID, scrape.JobStatusFailed, map[string]any{
		"status":       string(scrape.JobStatusFailed),
		"completed_at": completedAt,
	}, scrape.JobStatusQueued, scrape.JobStatusRunning)
}

func (s *JobStore) transition(ctx context.Context, jobID string, to scrape.JobStatus, updates map[string]any, from ...scrape.JobStatus) error {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status IN ?", jobID, allowed).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("%w: update job: %w", scrape.ErrPersistence, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var row jobRow
	if err := s.db.WithContext(ctx).Select("status").Where("id = ?", jobID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
		}
		return fmt.Errorf("%w: read job status: %w", scrape.ErrPersistence, err)
	}
	return fmt.Errorf("%w: job %s is %s, cannot become %s", scrape.ErrInvalidTransition, jobID, row.Status, to)
}

// InsertRecord inserts a raw lead; a repeated data_hash yields ErrDuplicateContent.
func (s *JobStore) InsertRecord(ctx context.Context, rec scrape.ResultRecord) error {
	row := recordRow{
		ID:          rec.ID,
		UserID:      rec.UserID,
		ScrapeJobID: rec.JobID,
		RawPayload:  datatypes.JSONMap(rec.Payload),
		DataHash:    rec.ContentHash,
		ScrapedAt:   rec.ScrapedAt,
	}
	if rec.SourceURL != "" {
		row.SourceURL = &rec.SourceURL
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("hash %s: %w", rec.ContentHash, scrape.ErrDuplicateContent)
		}
		return fmt.Errorf("%w: insert record: %w", scrape.ErrPersistence, err)
	}
	return nil
}

// RecordExists reports whether a raw lead with the hash exists.
func (s *JobStore) RecordExists(ctx context.Context, contentHash string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where("data_hash = ?", contentHash).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: check record: %w", scrape.ErrPersistence, err)
	}
	return count > 0, nil
}

// ListRecords returns a job's raw leads in scrape order.
func (s *JobStore) ListRecords(ctx context.Context, jobID string) ([]scrape.ResultRecord, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).Where("scrape_job_id = ?", jobID).Order("scraped_at").Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %w", scrape.ErrPersistence, err)
	}
	recs := make([]scrape.ResultRecord, 0, len(rows))
	for _, row := range rows {
		rec := scrape.ResultRecord{
			ID:          row.ID,
			JobID:       row.ScrapeJobID,
			UserID:      row.UserID,
			Payload:     scrape.Record(row.RawPayload),
			ContentHash: row.DataHash,
			ScrapedAt:   row.ScrapedAt,
		}
		if row.SourceURL != nil {
			rec.SourceURL = *row.SourceURL
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func toJobRow(job scrape.Job) (jobRow, error) {
	c := job.Criteria.Normalize()
	keywords, err := json.Marshal(c.Keywords)
	if err != nil {
		return jobRow{}, fmt.Errorf("%w: marshal keywords: %w", scrape.ErrPersistence, err)
	}
	sourceTypes, err := json.Marshal(c.SourceTypes)
	if err != nil {
		return jobRow{}, fmt.Errorf("%w: marshal source types: %w", scrape.ErrPersistence, err)
	}
	row := jobRow{
		ID:             job.ID,
		UserID:         job.UserID,
		Status:         string(job.Status),
		Keywords:       datatypes.JSON(keywords),
		SourceTypes:    datatypes.JSON(sourceTypes),
		SearchQuery:    c.SearchQuery,
		Filters:        datatypes.JSONMap(c.Filters),
		TotalFound:     job.TotalFound,
		TotalProcessed: job.TotalProcessed,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
	if c.Industry != "" {
		row.Industry = &c.Industry
	}
	if c.Geography != "" {
		row.Geography = &c.Geography
	}
	return row, nil
}

func fromJobRow(row jobRow) (scrape.Job, error) {
	job := scrape.Job{
		ID:             row.ID,
		UserID:         row.UserID,
		Status:         scrape.JobStatus(row.Status),
		TotalFound:     row.TotalFound,
		TotalProcessed: row.TotalProcessed,
		CreatedAt:      row.CreatedAt,
		StartedAt:      row.StartedAt,
		CompletedAt:    row.CompletedAt,
	}
	job.Criteria.SearchQuery = row.SearchQuery
	job.Criteria.Filters = map[string]any(row.Filters)
	if row.Industry != nil {
		job.Criteria.Industry = *row.Industry
	}
	if row.Geography != nil {
		job.Criteria.Geography = *row.Geography
	}
	if len(row.Keywords) > 0 {
		if err := json.Unmarshal(row.Keywords, &job.Criteria.Keywords); err != nil {
			return scrape.Job{}, fmt.Errorf("%w: decode keywords: %w", scrape.ErrPersistence, err)
		}
	}
	if len(row.SourceTypes) > 0 {
		if err := json.Unmarshal(row.SourceTypes, &job.Criteria.SourceTypes); err != nil {
			return scrape.Job{}, fmt.Errorf("%w: decode source types: %w", scrape.ErrPersistence, err)
		}
	}
	job.Criteria = job.Criteria.Normalize()
	return job, nil
}
