package scrape

import (
	"encoding/json"
	"fmt"

	"github.com/Ank61/leadengine/internal/id/uuid"
)

// QueueName is the durable queue shared by every producer and consumer.
const QueueName = "scrape_jobs"

// JobMessage is the wire payload published for each queued job.
type JobMessage struct {
	JobID       string         `json:"job_id"`
	UserID      string         `json:"user_id"`
	Industry    *string        `json:"industry"`
	Geography   *string        `json:"geography"`
	Keywords    []string       `json:"keywords"`
	SourceTypes []string       `json:"source_types"`
	SearchQuery string         `json:"search_query"`
	Filters     map[string]any `json:"filters"`
}

// NewJobMessage builds the queue payload for a persisted job.
func NewJobMessage(job Job) JobMessage {
	c := job.Criteria.Normalize()
	return JobMessage{
		JobID:       job.ID,
		UserID:      job.UserID,
		Industry:    nullable(c.Industry),
		Geography:   nullable(c.Geography),
		Keywords:    c.Keywords,
		SourceTypes: c.SourceTypes,
		SearchQuery: c.SearchQuery,
		Filters:     c.Filters,
	}
}

// Criteria returns the collector criteria carried by the message.
func (m JobMessage) Criteria() Criteria {
	c := Criteria{
		Keywords:    m.Keywords,
		SourceTypes: m.SourceTypes,
		SearchQuery: m.SearchQuery,
		Filters:     m.Filters,
	}
	if m.Industry != nil {
		c.Industry = *m.Industry
	}
	if m.Geography != nil {
		c.Geography = *m.Geography
	}
	return c.Normalize()
}

// DecodeJobMessage parses a queue payload. Both identifiers must be UUIDs and
// are returned in canonical form.
func DecodeJobMessage(data []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: %w", err)
	}
	jobID, err := uuid.Canonical(msg.JobID)
	if err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: job_id: %w", err)
	}
	userID, err := uuid.Canonical(msg.UserID)
	if err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: user_id: %w", err)
	}
	msg.JobID, msg.UserID = jobID, userID
	return msg, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
