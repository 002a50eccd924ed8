package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/broker"
	brokermemory "github.com/Ank61/leadengine/internal/broker/memory"
	"github.com/Ank61/leadengine/internal/policy/ratelimit"
	"github.com/Ank61/leadengine/internal/publisher"
	"github.com/Ank61/leadengine/internal/scrape"
	"github.com/Ank61/leadengine/internal/storage/memory"
)

const testUser = "123e4567-e89b-12d3-a456-426614174000"

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeIDGen struct {
	n atomic.Int64
}

func (f *fakeIDGen) NewID() (string, error) {
	return fmt.Sprintf("0190d6a4-0000-7000-8000-%012d", f.n.Add(1)), nil
}

type testEnv struct {
	server *Server
	store  *memory.JobStore
	broker *brokermemory.Broker
}

func newTestEnv(t *testing.T, opts Options) testEnv {
	t.Helper()
	store := memory.NewJobStore()
	b := brokermemory.New(broker.Options{MaxAttempts: 3}, zap.NewNop())
	svc := publisher.New(store, b, &fakeIDGen{}, &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, zap.NewNop())
	if opts.Broker == nil {
		opts.Broker = b
	}
	return testEnv{server: NewServer(svc, opts, zap.NewNop()), store: store, broker: b}
}

func (e testEnv) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_SubmitJob_Created(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/api/v1/scrape", `{
		"user_id": "`+testUser+`",
		"industry": "SaaS",
		"geography": "Sydney, Australia",
		"keywords": ["B2B", "enterprise"],
		"search_query": "saas companies sydney",
		"filters": {"company_size": "50-200"}
	}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode[map[string]any](t, rec)
	require.Equal(t, "queued", got["status"])
	require.Equal(t, "SaaS", got["industry"])
	require.Equal(t, []any{}, got["source_types"])
	require.Nil(t, got["started_at"])
	require.Nil(t, got["completed_at"])
	require.EqualValues(t, 0, got["total_found"])

	published := env.broker.Published()
	require.Len(t, published, 1)
	require.Equal(t, scrape.QueueName, published[0].Queue)
	msg, err := scrape.DecodeJobMessage(published[0].Body)
	require.NoError(t, err)
	require.Equal(t, got["job_id"], msg.JobID)
}

func TestServer_SubmitJob_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	for _, body := range []string{
		`{not json`,
		`{"user_id":"` + testUser + `"}`,
		`{"user_id":"nope","search_query":"q"}`,
	} {
		rec := env.do(t, http.MethodPost, "/api/v1/scrape", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	require.Empty(t, env.broker.Published())
}

func TestServer_SubmitJob_BrokerFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	require.NoError(t, env.broker.Close())

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", `{"user_id":"`+testUser+`","search_query":"q"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	got := decode[map[string]string](t, rec)
	require.NotEmpty(t, got["job_id"])

	job, err := env.store.GetJob(t.Context(), got["job_id"])
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusQueued, job.Status)
}

func TestServer_JobLifecycleRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	var ids []string
	for range 2 {
		rec := env.do(t, http.MethodPost, "/api/v1/scrape", `{"user_id":"`+testUser+`","search_query":"q"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		ids = append(ids, decode[map[string]any](t, rec)["job_id"].(string))
	}

	rec := env.do(t, http.MethodGet, "/api/v1/scrape/"+ids[0], "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	require.Equal(t, ids[0], status["job_id"])
	require.Equal(t, "queued", status["status"])
	require.NotContains(t, status, "search_query")

	rec = env.do(t, http.MethodGet, "/api/v1/scrape/user/"+testUser+"?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string]any](t, rec)
	require.Equal(t, testUser, list["user_id"])
	require.EqualValues(t, 1, list["total"])
	jobs := list["jobs"].([]any)
	require.Len(t, jobs, 1)
	require.Equal(t, ids[1], jobs[0].(map[string]any)["job_id"])

	require.NoError(t, env.store.InsertRecord(t.Context(), scrape.ResultRecord{
		ID:          "rec-1",
		JobID:       ids[0],
		UserID:      testUser,
		Payload:     scrape.Record{"company_name": "Acme Corp"},
		ContentHash: "abc",
		ScrapedAt:   time.Now(),
	}))
	rec = env.do(t, http.MethodGet, "/api/v1/scrape/"+ids[0]+"/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[map[string]any](t, rec)
	require.EqualValues(t, 1, results["total"])
	first := results["results"].([]any)[0].(map[string]any)
	require.Equal(t, "abc", first["data_hash"])
	require.Nil(t, first["source_url"])

	rec = env.do(t, http.MethodDelete, "/api/v1/scrape/"+ids[0], "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/scrape/"+ids[0], "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/v1/scrape/"+ids[0], "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	exists, err := env.store.RecordExists(t.Context(), "abc")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestServer_ListUserJobs_BadQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	for _, path := range []string{
		"/api/v1/scrape/user/" + testUser + "?limit=0",
		"/api/v1/scrape/user/" + testUser + "?offset=-1",
		"/api/v1/scrape/user/not-a-uuid",
	} {
		rec := env.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

type mockService struct {
	mock.Mock
}

func (m *mockService) SubmitJob(ctx context.Context, c scrape.Criteria, userID string) (scrape.Job, error) {
	args := m.Called(ctx, c, userID)
	return args.Get(0).(scrape.Job), args.Error(1)
}

func (m *mockService) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(scrape.Job), args.Error(1)
}

func (m *mockService) ListUserJobs(ctx context.Context, userID string, opts scrape.ListOptions) ([]scrape.Job, error) {
	args := m.Called(ctx, userID, opts)
	jobs, _ := args.Get(0).([]scrape.Job)
	return jobs, args.Error(1)
}

func (m *mockService) DeleteJob(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *mockService) ListResults(ctx context.Context, jobID string) ([]scrape.ResultRecord, error) {
	args := m.Called(ctx, jobID)
	records, _ := args.Get(0).([]scrape.ResultRecord)
	return records, args.Error(1)
}

func TestServer_InternalErrors(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	storeErr := fmt.Errorf("%w: connection refused", scrape.ErrPersistence)
	svc.On("SubmitJob", mock.Anything, mock.Anything, testUser).Return(scrape.Job{}, storeErr)
	svc.On("GetJob", mock.Anything, "j").Return(scrape.Job{}, storeErr)
	svc.On("ListUserJobs", mock.Anything, testUser, scrape.ListOptions{Limit: 10}).Return(nil, storeErr)
	server := NewServer(svc, Options{}, zap.NewNop())

	cases := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/api/v1/scrape", `{"user_id":"` + testUser + `","search_query":"q"}`},
		{http.MethodGet, "/api/v1/scrape/j", ""},
		{http.MethodGet, "/api/v1/scrape/user/" + testUser, ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusInternalServerError, rec.Code, tc.path)
	}
	svc.AssertExpectations(t)
}

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[envelope](t, rec)
	require.True(t, health.Success)
	require.Equal(t, http.StatusOK, health.StatusCode)
	require.Equal(t, map[string]any{"api": "alive"}, health.Data)

	rec = env.do(t, http.MethodGet, "/api/v1/mq-check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{"mq_status": "connected"}, decode[envelope](t, rec).Data)

	rec = env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_MQCheckFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{Broker: PingFunc(func(context.Context) error {
		return errors.New("connection refused")
	})})
	rec := env.do(t, http.MethodGet, "/api/v1/mq-check", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[envelope](t, rec)
	require.False(t, body.Success)
	require.Contains(t, body.Message, "connection refused")
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	healthy := newTestEnv(t, Options{Checks: map[string]Pinger{
		"store": PingFunc(func(context.Context) error { return nil }),
	}})
	require.Equal(t, http.StatusOK, healthy.do(t, http.MethodGet, "/readyz", "").Code)

	failing := newTestEnv(t, Options{Checks: map[string]Pinger{
		"broker": PingFunc(func(context.Context) error { return errors.New("down") }),
	}})
	rec := failing.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "down")
}

func TestServer_SubmitJob_RateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{SubmitLimiter: ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})})
	body := `{"user_id":"` + testUser + `","search_query":"q"}`

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/scrape", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Len(t, env.broker.Published(), 1)

	other := `{"user_id":"0b9f2a47-3c1e-4f6b-9a55-4d2f1c7e8a90","search_query":"q"}`
	rec = env.do(t, http.MethodPost, "/api/v1/scrape", other)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{APIKey: "secret"})

	rec := env.do(t, http.MethodGet, "/api/v1/scrape/user/"+testUser, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scrape/user/"+testUser, nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	svc.On("GetJob", mock.Anything, "boom").Run(func(mock.Arguments) { panic("kaboom") })
	server := NewServer(svc, Options{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scrape/boom", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
