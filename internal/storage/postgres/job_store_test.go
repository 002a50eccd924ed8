package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ank61/leadengine/internal/scrape"
)

var jobCols = []string{
	"id", "user_id", "status", "industry", "geography", "keywords", "source_types",
	"search_query", "filters", "total_found", "total_processed", "created_at", "started_at", "completed_at",
}

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func strPtr(s string) *string { return &s }

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	job := scrape.Job{
		ID:     "11111111-1111-1111-1111-111111111111",
		UserID: "22222222-2222-2222-2222-222222222222",
		Status: scrape.JobStatusQueued,
		Criteria: scrape.Criteria{
			Industry:    "SaaS",
			Keywords:    []string{"crm"},
			SearchQuery: "crm vendors",
		},
		CreatedAt: created,
	}

	mock.ExpectExec("INSERT INTO scrape_jobs").
		WithArgs(
			job.ID, job.UserID, "queued", strPtr("SaaS"), (*string)(nil),
			[]byte(`["crm"]`), []byte(`[]`), "crm vendors", []byte(`{}`), 0, 0, created,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)

	rows := pgxmock.NewRows(jobCols).AddRow(
		"job-1", "user-1", "running", strPtr("SaaS"), (*string)(nil),
		[]byte(`["crm"]`), []byte(`["web"]`), strPtr("crm vendors"), []byte(`{"size":"smb"}`),
		3, 1, created, &started, (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT (.+) FROM scrape_jobs WHERE id").WithArgs("job-1").WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, scrape.JobStatusRunning, job.Status)
	assert.Equal(t, "SaaS", job.Criteria.Industry)
	assert.Empty(t, job.Criteria.Geography)
	assert.Equal(t, []string{"crm"}, job.Criteria.Keywords)
	assert.Equal(t, []string{"web"}, job.Criteria.SourceTypes)
	assert.Equal(t, map[string]any{"size": "smb"}, job.Criteria.Filters)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, started, *job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM scrape_jobs WHERE id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, scrape.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningConditionalUpdate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("queued job transitions", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE scrape_jobs SET status").
			WithArgs("job-1", "running", now, "queued").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		require.NoError(t, store.MarkRunning(context.Background(), "job-1", now))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal job is rejected", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE scrape_jobs SET status").
			WithArgs("job-1", "running", now, "queued").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM scrape_jobs").
			WithArgs("job-1").
			WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))
		err := store.MarkRunning(context.Background(), "job-1", now)
		require.ErrorIs(t, err, scrape.ErrInvalidTransition)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing job", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE scrape_jobs SET status").
			WithArgs("job-1", "running", now, "queued").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM scrape_jobs").WithArgs("job-1").WillReturnError(pgx.ErrNoRows)
		err := store.MarkRunning(context.Background(), "job-1", now)
		require.ErrorIs(t, err, scrape.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMarkCompletedAndFailed(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE scrape_jobs").
		WithArgs("job-1", "completed", 3, 2, now, "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE scrape_jobs").
		WithArgs("job-2", "failed", now, "queued", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkCompleted(context.Background(), "job-1", scrape.Completion{TotalFound: 3, TotalProcessed: 2, CompletedAt: now}))
	require.NoError(t, store.MarkFailed(context.Background(), "job-2", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRecordMapsUniqueViolation(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := scrape.ResultRecord{
		ID:          "rec-1",
		JobID:       "job-1",
		UserID:      "user-1",
		Payload:     scrape.Record{"company_name": "Acme Corp"},
		ContentHash: "abc",
		ScrapedAt:   now,
	}

	mock.ExpectExec("INSERT INTO raw_leads").
		WithArgs("rec-1", "user-1", "job-1", []byte(`{"company_name":"Acme Corp"}`), (*string)(nil), "abc", now).
		WillReturnError(&pgconn.PgError{
			Code:           pgerrcode.UniqueViolation,
			TableName:      "raw_leads",
			ConstraintName: "raw_leads_data_hash_key",
		})

	err := store.InsertRecord(context.Background(), rec)
	require.ErrorIs(t, err, scrape.ErrDuplicateContent)
	assert.NotErrorIs(t, err, scrape.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRecordOtherFailureIsPersistence(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO raw_leads").WillReturnError(errors.New("connection reset"))

	err := store.InsertRecord(context.Background(), scrape.ResultRecord{ID: "r", ContentHash: "h"})
	require.ErrorIs(t, err, scrape.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordExists(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").WithArgs("abc").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := store.RecordExists(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecords(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "scrape_job_id", "user_id", "raw_payload", "source_url", "data_hash", "scraped_at"}).
		AddRow("r1", "job-1", "user-1", []byte(`{"company_name":"Acme Corp"}`), strPtr("https://example.com/acme"), "h1", now).
		AddRow("r2", "job-1", "user-1", []byte(`{"company_name":"Beta"}`), (*string)(nil), "h2", now)
	mock.ExpectQuery("SELECT (.+) FROM raw_leads").WithArgs("job-1").WillReturnRows(rows)

	recs, err := store.ListRecords(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "https://example.com/acme", recs[0].SourceURL)
	assert.Equal(t, "Acme Corp", recs[0].Payload["company_name"])
	assert.Empty(t, recs[1].SourceURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsByUser(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows(jobCols).AddRow(
		"job-1", "user-1", "queued", (*string)(nil), (*string)(nil),
		[]byte(nil), []byte(nil), strPtr("q"), []byte(nil),
		0, 0, created, (*time.Time)(nil), (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT (.+) FROM scrape_jobs").WithArgs("user-1", 10, 0).WillReturnRows(rows)

	jobs, err := store.ListJobsByUser(context.Background(), "user-1", scrape.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{}, jobs[0].Criteria.Keywords)
	assert.Equal(t, map[string]any{}, jobs[0].Criteria.Filters)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM scrape_jobs").WithArgs("job-1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM scrape_jobs").WithArgs("job-2").WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, store.DeleteJob(context.Background(), "job-1"))
	require.ErrorIs(t, store.DeleteJob(context.Background(), "job-2"), scrape.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRunsEveryStatement(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
