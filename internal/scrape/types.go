// Package scrape defines the core types shared across the job pipeline.
package scrape

import (
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no transition can leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Criteria is the immutable request payload forwarded to the collector.
type Criteria struct {
	Industry    string         `json:"industry,omitempty"`
	Geography   string         `json:"geography,omitempty"`
	Keywords    []string       `json:"keywords"`
	SourceTypes []string       `json:"source_types"`
	SearchQuery string         `json:"search_query"`
	Filters     map[string]any `json:"filters"`
}

// Normalize fills absent optional fields with empty values.
func (c Criteria) Normalize() Criteria {
	if c.Keywords == nil {
		c.Keywords = []string{}
	}
	if c.SourceTypes == nil {
		c.SourceTypes = []string{}
	}
	if c.Filters == nil {
		c.Filters = map[string]any{}
	}
	return c
}

// Job is the persisted state of one collection request.
type Job struct {
	ID             string     `json:"job_id"`
	UserID         string     `json:"user_id"`
	Status         JobStatus  `json:"status"`
	Criteria       Criteria   `json:"criteria"`
	TotalFound     int        `json:"total_found"`
	TotalProcessed int        `json:"total_processed"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

// Record is one candidate item returned by the collector.
type Record map[string]any

// SourceURL returns the record's provenance URL or an empty string.
func (r Record) SourceURL() string {
	if v, ok := r["source_url"].(string); ok {
		return v
	}
	return ""
}

// ResultRecord is a deduplicated record persisted for a job.
type ResultRecord struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	Payload     Record    `json:"payload"`
	SourceURL   string    `json:"source_url"`
	ContentHash string    `json:"content_hash"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// Completion carries the final counters written on job completion.
type Completion struct {
	TotalFound     int
	TotalProcessed int
	CompletedAt    time.Time
}

// ListOptions paginates job listings.
type ListOptions struct {
	Limit  int
	Offset int
}
