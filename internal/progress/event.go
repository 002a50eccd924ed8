package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageJobStart   Stage = "JOB_START"
	StageJobDone    Stage = "JOB_DONE"
	StageJobRetry   Stage = "JOB_RETRY"
	StageJobError   Stage = "JOB_ERROR"
	StageJobSkipped Stage = "JOB_SKIPPED"
)

// Event describes one step of a job's life on a worker.
type Event struct {
	JobID   string    `json:"job_id"`
	UserID  string    `json:"user_id,omitempty"`
	Stage   Stage     `json:"stage"`
	Attempt int       `json:"attempt"`
	TS      time.Time `json:"ts"`
	// TotalFound and TotalProcessed are set on JOB_DONE.
	TotalFound     int `json:"total_found,omitempty"`
	TotalProcessed int `json:"total_processed,omitempty"`
	// Dur is the handling time of the delivery that produced the event.
	Dur time.Duration `json:"duration_ns,omitempty"`
	// Note carries low-volume context such as the error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobRetry, StageJobError, StageJobSkipped:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Attempt < 1 {
		return errors.New("attempt must be >= 1")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends the job.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError
}
