// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Ank61/leadengine/internal/scrape"
)

// JobStore keeps jobs and result records in maps guarded by one mutex, which
// makes every conditional transition and the hash uniqueness check atomic.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]scrape.Job
	records map[string][]scrape.ResultRecord
	hashes  map[string]string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]scrape.Job),
		records: make(map[string][]scrape.ResultRecord),
		hashes:  make(map[string]string),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", scrape.ErrPersistence, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobsByUser returns the user's jobs, newest first.
func (s *JobStore) ListJobsByUser(_ context.Context, userID string, opts scrape.ListOptions) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []scrape.Job
	for _, job := range s.jobs {
		if job.UserID == userID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if opts.Offset >= len(jobs) {
		return []scrape.Job{}, nil
	}
	jobs = jobs[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// DeleteJob removes a job and its result records.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	for _, rec := range s.records[jobID] {
		delete(s.hashes, rec.ContentHash)
	}
	delete(s.records, jobID)
	delete(s.jobs, jobID)
	return nil
}

// MarkRunning moves a queued job to running and stamps started_at.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, startedAt time.Time) error {
	return s.transition(jobID, scrape.JobStatusRunning, func(job *scrape.Job) {
		job.StartedAt = pointerTime(startedAt)
	}, scrape.JobStatusQueued)
}

// MarkCompleted moves a running job to completed with its final counters.
func (s *JobStore) MarkCompleted(_ context.Context, jobID string, c scrape.Completion) error {
	return s.transition(jobID, scrape.JobStatusCompleted, func(job *scrape.Job) {
		job.TotalFound = c.TotalFound
		job.TotalProcessed = c.TotalProcessed
		job.CompletedAt = pointerTime(c.CompletedAt)
	}, scrape.JobStatusRunning)
}

// MarkFailed moves a queued or running job to failed.
func (s *JobStore) MarkFailed(_ context.Context, jobID string, completedAt time.Time) error {
	return s.transition(jobID, scrape.JobStatusFailed, func(job *scrape.Job) {
		job.CompletedAt = pointerTime(completedAt)
	}, scrape.JobStatusQueued, scrape.JobStatusRunning)
}

func (s *JobStore) transition(jobID string, to scrape.JobStatus, apply func(*scrape.Job), from ...scrape.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	allowed := false
	for _, st := range from {
		if job.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: job %s is %s, cannot become %s", scrape.ErrInvalidTransition, jobID, job.Status, to)
	}
	job.Status = to
	apply(&job)
	s.jobs[jobID] = job
	return nil
}

// InsertRecord stores a result record, rejecting a content hash seen before.
func (s *JobStore) InsertRecord(_ context.Context, rec scrape.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[rec.JobID]; !ok {
		return fmt.Errorf("%w: job %s does not exist", scrape.ErrPersistence, rec.JobID)
	}
	if _, dup := s.hashes[rec.ContentHash]; dup {
		return fmt.Errorf("hash %s: %w", rec.ContentHash, scrape.ErrDuplicateContent)
	}
	s.hashes[rec.ContentHash] = rec.JobID
	s.records[rec.JobID] = append(s.records[rec.JobID], rec)
	return nil
}

// RecordExists reports whether a record with the hash is stored.
func (s *JobStore) RecordExists(_ context.Context, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[contentHash]
	return ok, nil
}

// ListRecords returns a copy of the job's result records in insertion order.
func (s *JobStore) ListRecords(_ context.Context, jobID string) ([]scrape.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[jobID]
	out := make([]scrape.ResultRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func cloneJob(job scrape.Job) scrape.Job {
	if job.StartedAt != nil {
		job.StartedAt = pointerTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		job.CompletedAt = pointerTime(*job.CompletedAt)
	}
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
