package scrape

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs and result records.
//
// InsertRecord must enforce global uniqueness of ContentHash and return
// ErrDuplicateContent when the hash already exists. MarkRunning and the
// terminal updates are conditional on the current status and return
// ErrInvalidTransition when the job is not in the expected state.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobsByUser(ctx context.Context, userID string, opts ListOptions) ([]Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	MarkRunning(ctx context.Context, jobID string, startedAt time.Time) error
	MarkCompleted(ctx context.Context, jobID string, completion Completion) error
	MarkFailed(ctx context.Context, jobID string, completedAt time.Time) error
	InsertRecord(ctx context.Context, record ResultRecord) error
	RecordExists(ctx context.Context, contentHash string) (bool, error)
	ListRecords(ctx context.Context, jobID string) ([]ResultRecord, error)
}

// Collector produces candidate records from job criteria.
type Collector interface {
	Collect(ctx context.Context, criteria Criteria) ([]Record, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context, criteria Criteria) ([]Record, error)

// Collect calls f.
func (f CollectorFunc) Collect(ctx context.Context, criteria Criteria) ([]Record, error) {
	return f(ctx, criteria)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
