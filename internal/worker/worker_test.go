package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/broker"
	brokermemory "github.com/Ank61/leadengine/internal/broker/memory"
	"github.com/Ank61/leadengine/internal/collector"
	"github.com/Ank61/leadengine/internal/progress"
	"github.com/Ank61/leadengine/internal/publisher"
	"github.com/Ank61/leadengine/internal/scrape"
	"github.com/Ank61/leadengine/internal/storage/memory"
)

const testUser = "123e4567-e89b-12d3-a456-426614174000"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances one second per call so ordering between timestamps is observable.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type counterIDs struct {
	n atomic.Int64
}

func (g *counterIDs) NewID() (string, error) {
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", g.n.Add(1)), nil
}

type failingCollector struct {
	calls atomic.Int32
	err   error
}

func (f *failingCollector) Collect(context.Context, scrape.Criteria) ([]scrape.Record, error) {
	f.calls.Add(1)
	return nil, f.err
}

// flakyStore fails MarkCompleted a fixed number of times after records are stored.
type flakyStore struct {
	*memory.JobStore
	completeFailures atomic.Int32
}

func (s *flakyStore) MarkCompleted(ctx context.Context, jobID string, c scrape.Completion) error {
	if s.completeFailures.Add(-1) >= 0 {
		return fmt.Errorf("%w: connection reset", scrape.ErrPersistence)
	}
	return s.JobStore.MarkCompleted(ctx, jobID, c)
}

type harness struct {
	store *memory.JobStore
	clock *fakeClock
	ids   *counterIDs
}

func newHarness() *harness {
	return &harness{
		store: memory.NewJobStore(),
		clock: &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
		ids:   &counterIDs{},
	}
}

func (h *harness) seedJob(t *testing.T, id string, status scrape.JobStatus) scrape.Job {
	t.Helper()
	job := scrape.Job{
		ID:     id,
		UserID: testUser,
		Status: status,
		Criteria: scrape.Criteria{
			Industry:    "SaaS",
			Geography:   "Sydney",
			SearchQuery: "saas companies sydney",
		}.Normalize(),
		CreatedAt: h.clock.Now(),
	}
	if status != scrape.JobStatusQueued {
		started := h.clock.Now()
		job.StartedAt = &started
	}
	if status.Terminal() {
		done := h.clock.Now()
		job.CompletedAt = &done
	}
	require.NoError(t, h.store.CreateJob(t.Context(), job))
	return job
}

func delivery(t *testing.T, job scrape.Job, attempt int) broker.Delivery {
	t.Helper()
	body, err := json.Marshal(scrape.NewJobMessage(job))
	require.NoError(t, err)
	return broker.Delivery{ID: "d-" + job.ID, Queue: scrape.QueueName, Body: body, Attempt: attempt}
}

func TestHandle_CompletesJob(t *testing.T) {
	t.Parallel()

	h := newHarness()
	job := h.seedJob(t, "0190d6a4-0000-7000-8000-000000000101", scrape.JobStatusQueued)
	archive := memory.NewBlobStore()
	w := New(h.store, collector.NewStub(0), archive, h.ids, h.clock, Config{MaxAttempts: 3}, zap.NewNop())

	require.NoError(t, w.Handle(t.Context(), delivery(t, job, 1)))

	got, err := h.store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.TotalFound)
	assert.Equal(t, 3, got.TotalProcessed)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))

	records, err := h.store.ListRecords(t.Context(), job.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	hashes := map[string]struct{}{}
	for _, rec := range records {
		hashes[rec.ContentHash] = struct{}{}
		assert.Equal(t, testUser, rec.UserID)
		assert.NotEmpty(t, rec.SourceURL)
	}
	assert.Len(t, hashes, 3)

	obj, ok := archive.Get("raw/0190d6a4-0000-7000-8000-000000000101/1.json")
	require.True(t, ok)
	assert.Equal(t, "application/json", obj.ContentType)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(obj.Data, &raw))
	assert.Len(t, raw, 3)
}

func TestHandle_RetryCountsPriorRecordsAsDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness()
	store := &flakyStore{JobStore: h.store}
	store.completeFailures.Store(1)
	job := h.seedJob(t, "0190d6a4-0000-7000-8000-000000000102", scrape.JobStatusQueued)
	w := New(store, collector.NewStub(0), nil, h.ids, h.clock, Config{MaxAttempts: 3}, zap.NewNop())

	err := w.Handle(t.Context(), delivery(t, job, 1))
	require.ErrorIs(t, err, scrape.ErrPersistence)
	require.NotErrorIs(t, err, broker.ErrPermanent)

	running, err := h.store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.JobStatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	firstStart := *running.StartedAt

	require.NoError(t, w.Handle(t.Context(), delivery(t, job, 2)))

	got, err := h.store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.TotalFound)
	assert.Equal(t, 0, got.TotalProcessed)
	assert.True(t, got.StartedAt.Equal(firstStart), "started_at must not change on resume")

	records, err := h.store.ListRecords(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestHandle_IdenticalCriteriaAcrossJobsAreDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness()
	first := h.seedJob(t, "0190d6a4-0000-7000-8000-000000000103", scrape.JobStatusQueued)
	second := h.seedJob(t, "0190d6a4-0000-7000-8000-000000000104", scrape.JobStatusQueued)
	w := New(h.store, collector.NewStub(0), nil, h.ids, h.clock, Config{MaxAttempts: 1}, zap.NewNop())

	require.NoError(t, w.Handle(t.Context(), delivery(t, first, 1)))
	require.NoError(t, w.Handle(t.Context(), delivery(t, second, 1)))

	got, err := h.store.GetJob(t.Context(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.TotalFound)
	assert.Equal(t, 0, got.TotalProcessed)
	records, err := h.store.ListRecords(t.Context(), second.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHandle_CollectionFailure(t *testing.T) {
	t.Parallel()

	collectErr := fmt.Errorf("%w: upstream unavailable", scrape.ErrCollection)

	t.Run("attempts remaining leaves job running", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		job := h.seedJob(t, "0190d6a4-0000-7000-8000-000000000105", scrape.JobStatusQueued)
		w := New(h.store, &failingCollector{err: collectErr}, nil, h.ids, h.clock, Config{MaxAttempts: 3}, zap.NewNop())

		err := w.Handle(t.Context(), delivery(t, job, 1))
		require.ErrorIs(t, err, scrape.ErrCollection)
		assert.Equal(t, broker.Retry, broker.Decide(broker.Options{MaxAttempts: 3}, 1, err))

		got, err := h.store.GetJob(t.Context(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, scrape.JobStatusRunning, got.Status)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("final attempt marks job failed", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		job := h.seedJob(t, "0190d6a4-0000-7000-8000-000000000106", scrape.JobStatusRunning)
		w := New(h.store, &failingCollector{err: collectErr}, nil, h.ids, h.clock, Config{MaxAttempts: 3}, zap.NewNop())

		err := w.Handle(t.Context(), delivery(t, job, 3))
		require.ErrorIs(t, err, scrape.ErrCollection)

		got, err := h.store.GetJob(t.Context(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, scrape.JobStatusFailed, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.False(t, got.CompletedAt.Before(*got.StartedAt))
		records, err := h.store.ListRecords(t.Context(), job.ID)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestHandle_MalformedMessageIsPermanent(t *testing.T) {
	t.Parallel()

	h := newHarness()
	col := &failingCollector{}
	w := New(h.store, col, nil, h.ids, h.clock, Config{MaxAttempts: 3}, zap.NewNop())

	for _, body := range []string{
		`{not json`,
		`{"user_id":"u"}`,
		`{"job_id":"j"}`,
		`{"job_id":"not-a-uuid","user_id":"` + testUser + `"}`,
	} {
		err := w.Handle(t.Context(), broker.Delivery{ID: "bad", Body: []byte(body), Attempt: 1})
		require.ErrorIs(t, err, broker.ErrPermanent, body)
	}
	assert.Zero(t, col.calls.Load())
}

func TestHandle_MissingJobIsAcked(t *testing.T) {
	t.Parallel()

	h := newHarness()
	col := &failingCollector{}
	w := New(h.store, col, nil, h.ids, h.clock, Config{MaxAttempts: 3}, zap.NewNop())

	ghost := scrape.Job{ID: "0190d6a4-0000-7000-8000-000000000107", UserID: testUser, Criteria: scrape.Criteria{SearchQuery: "q"}}
	require.NoError(t, w.Handle(t.Context(), delivery(t, ghost, 1)))
	assert.Zero(t, col.calls.Load())
}

func TestHandle_TerminalJobIsNotReprocessed(t *testing.T) {
	t.Parallel()

	for _, status := range []scrape.JobStatus{scrape.JobStatusCompleted, scrape.JobStatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()
			h := newHarness()
			job := h.seedJob(t, "0190d6a4-0000-7000-8000-000000000108", status)
			col := &failingCollector{}
			w := New(h.store, col, nil, h.ids, h.clock, Config{MaxAttempts: 3}, zap.NewNop())

			require.NoError(t, w.Handle(t.Context(), delivery(t, job, 1)))
			assert.Zero(t, col.calls.Load())

			got, err := h.store.GetJob(t.Context(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, status, got.Status)
			assert.Equal(t, job.CompletedAt, got.CompletedAt)
		})
	}
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "raw/j/2.json", ArchivePath("", "j", 2))
	assert.Equal(t, "leads/raw/j/1.json", ArchivePath("/leads/", "j", 1))
}

func TestRun_EndToEndWithMemoryBroker(t *testing.T) {
	t.Parallel()

	h := newHarness()
	opts := broker.Options{MaxAttempts: 3, DeadLetter: true}
	b := brokermemory.New(opts, zap.NewNop())
	svc := publisher.New(h.store, b, h.ids, h.clock, zap.NewNop())

	submitted, err := svc.SubmitJob(t.Context(), scrape.Criteria{
		SearchQuery: "saas companies sydney",
		Industry:    "SaaS",
		Geography:   "Sydney",
	}, testUser)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	w := New(h.store, collector.NewStub(0), nil, h.ids, h.clock, Config{MaxAttempts: opts.MaxAttempts}, zap.NewNop())
	go func() { done <- w.Run(ctx, b, 1) }()

	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(t.Context(), submitted.ID)
		return err == nil && job.Status == scrape.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRun_ExhaustedRetriesDeadLetter(t *testing.T) {
	t.Parallel()

	h := newHarness()
	opts := broker.Options{MaxAttempts: 3, DeadLetter: true}
	b := brokermemory.New(opts, zap.NewNop())
	svc := publisher.New(h.store, b, h.ids, h.clock, zap.NewNop())

	job, err := svc.SubmitJob(t.Context(), scrape.Criteria{SearchQuery: "q"}, testUser)
	require.NoError(t, err)

	col := &failingCollector{err: errors.New("boom")}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	w := New(h.store, col, nil, h.ids, h.clock, Config{MaxAttempts: opts.MaxAttempts}, zap.NewNop())
	go func() { _ = w.Run(ctx, b, 1) }()

	require.Eventually(t, func() bool {
		return b.Len(broker.DeadLetterQueue(scrape.QueueName)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 3, col.calls.Load())
	got, err := h.store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.JobStatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func TestHandle_EmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	h := newHarness()
	events := &recordingEmitter{}
	collectErr := fmt.Errorf("%w: upstream unavailable", scrape.ErrCollection)
	flaky := &failingCollector{err: collectErr}

	job := h.seedJob(t, "0190d6a4-0000-7000-8000-000000000110", scrape.JobStatusQueued)
	w := New(h.store, flaky, nil, h.ids, h.clock, Config{MaxAttempts: 2, Events: events}, zap.NewNop())
	require.Error(t, w.Handle(t.Context(), delivery(t, job, 1)))
	require.Error(t, w.Handle(t.Context(), delivery(t, job, 2)))
	require.NoError(t, w.Handle(t.Context(), delivery(t, job, 2)))

	assert.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StageJobRetry,
		progress.StageJobStart,
		progress.StageJobError,
		progress.StageJobSkipped,
	}, events.stages())
	for _, e := range events.events {
		require.NoError(t, e.Validate())
		assert.Equal(t, testUser, e.UserID)
	}
	assert.Contains(t, events.events[1].Note, "upstream unavailable")

	done := h.seedJob(t, "0190d6a4-0000-7000-8000-000000000109", scrape.JobStatusQueued)
	ok := New(h.store, collector.NewStub(0), nil, h.ids, h.clock, Config{MaxAttempts: 2, Events: events}, zap.NewNop())
	require.NoError(t, ok.Handle(t.Context(), delivery(t, done, 1)))
	last := events.events[len(events.events)-1]
	assert.Equal(t, progress.StageJobDone, last.Stage)
	assert.Equal(t, 3, last.TotalFound)
}
