package postgres

import "context"

// schema mirrors the tables the API service has always used, so Migrate is a
// no-op against an existing database.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS scrape_jobs (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	status VARCHAR(50) NOT NULL DEFAULT 'queued',
	industry VARCHAR(255),
	geography VARCHAR(255),
	keywords JSONB,
	source_types JSONB,
	search_query TEXT,
	filters JSONB,
	total_found INTEGER NOT NULL DEFAULT 0,
	total_processed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT NOW(),
	started_at TIMESTAMP,
	completed_at TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_scrape_jobs_user ON scrape_jobs (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_scrape_jobs_status ON scrape_jobs (status)`,
	`CREATE TABLE IF NOT EXISTS raw_leads (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	scrape_job_id UUID NOT NULL REFERENCES scrape_jobs (id) ON DELETE CASCADE,
	raw_payload JSONB NOT NULL,
	source_url TEXT,
	data_hash TEXT NOT NULL UNIQUE,
	scraped_at TIMESTAMP NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_leads_user ON raw_leads (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_leads_job ON raw_leads (scrape_job_id)`,
}

// Migrate creates the tables and indexes when they do not exist.
func (s *JobStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return mapError("migrate", err)
		}
	}
	return nil
}
