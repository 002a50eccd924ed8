package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/broker"
	"github.com/Ank61/leadengine/internal/scrape"
)

const (
	defaultJobLimit = 10
	maxJobLimit     = 100
)

type submitJobRequest struct {
	UserID      string         `json:"user_id"`
	Industry    *string        `json:"industry"`
	Geography   *string        `json:"geography"`
	Keywords    []string       `json:"keywords"`
	SourceTypes []string       `json:"source_types"`
	SearchQuery string         `json:"search_query"`
	Filters     map[string]any `json:"filters"`
}

func (r submitJobRequest) criteria() scrape.Criteria {
	c := scrape.Criteria{
		Keywords:    r.Keywords,
		SourceTypes: r.SourceTypes,
		SearchQuery: r.SearchQuery,
		Filters:     r.Filters,
	}
	if r.Industry != nil {
		c.Industry = *r.Industry
	}
	if r.Geography != nil {
		c.Geography = *r.Geography
	}
	return c
}

// submitJob handles POST /api/v1/scrape. It returns 201 with the created job,
// 400 for invalid input, 429 when the user is throttled, 503 when the broker
// rejects the message, or 500.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !s.opts.SubmitLimiter.Allow(req.UserID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	job, err := s.jobs.SubmitJob(r.Context(), req.criteria(), req.UserID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toJobDTO(job))
	case errors.Is(err, scrape.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrBroker):
		s.logger.Error("submit job: publish failed", zap.String("job_id", job.ID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "job stored but could not be queued",
			"job_id": job.ID,
		})
	default:
		s.logger.Error("submit job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create scrape job")
	}
}

// getJob handles GET /api/v1/scrape/{job_id}. It returns the job status,
// 404 when the job does not exist, or 500.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeLookupError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(job))
}

// deleteJob handles DELETE /api/v1/scrape/{job_id}. Result records go with the job.
func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.DeleteJob(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		s.writeLookupError(w, "delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listResults handles GET /api/v1/scrape/{job_id}/results.
func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	records, err := s.jobs.ListResults(r.Context(), jobID)
	if err != nil {
		s.writeLookupError(w, "list results", err)
		return
	}
	out := make([]resultDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, toResultDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  jobID,
		"total":   len(out),
		"results": out,
	})
}

// listUserJobs handles GET /api/v1/scrape/user/{user_id}?limit=&offset=.
// total is the size of the returned page.
func (s *Server) listUserJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := chi.URLParam(r, "user_id")
	jobs, err := s.jobs.ListUserJobs(r.Context(), userID, scrape.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		if errors.Is(err, scrape.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("list user jobs failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get user jobs")
		return
	}
	out := make([]statusDTO, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toStatusDTO(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"total":   len(out),
		"jobs":    out,
	})
}

func (s *Server) writeLookupError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, scrape.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scrape job not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type jobDTO struct {
	JobID          string         `json:"job_id"`
	UserID         string         `json:"user_id"`
	Status         string         `json:"status"`
	Industry       *string        `json:"industry"`
	Geography      *string        `json:"geography"`
	Keywords       []string       `json:"keywords"`
	SourceTypes    []string       `json:"source_types"`
	SearchQuery    string         `json:"search_query"`
	Filters        map[string]any `json:"filters"`
	TotalFound     int            `json:"total_found"`
	TotalProcessed int            `json:"total_processed"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
}

type statusDTO struct {
	JobID          string     `json:"job_id"`
	Status         string     `json:"status"`
	TotalFound     int        `json:"total_found"`
	TotalProcessed int        `json:"total_processed"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

type resultDTO struct {
	ID          string         `json:"id"`
	Data        map[string]any `json:"data"`
	SourceURL   *string        `json:"source_url"`
	ContentHash string         `json:"data_hash"`
	ScrapedAt   time.Time      `json:"scraped_at"`
}

func toJobDTO(job scrape.Job) jobDTO {
	msg := scrape.NewJobMessage(job)
	return jobDTO{
		JobID:          job.ID,
		UserID:         job.UserID,
		Status:         string(job.Status),
		Industry:       msg.Industry,
		Geography:      msg.Geography,
		Keywords:       msg.Keywords,
		SourceTypes:    msg.SourceTypes,
		SearchQuery:    msg.SearchQuery,
		Filters:        msg.Filters,
		TotalFound:     job.TotalFound,
		TotalProcessed: job.TotalProcessed,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
}

func toStatusDTO(job scrape.Job) statusDTO {
	return statusDTO{
		JobID:          job.ID,
		Status:         string(job.Status),
		TotalFound:     job.TotalFound,
		TotalProcessed: job.TotalProcessed,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
}

func toResultDTO(rec scrape.ResultRecord) resultDTO {
	dto := resultDTO{
		ID:          rec.ID,
		Data:        rec.Payload,
		ContentHash: rec.ContentHash,
		ScrapedAt:   rec.ScrapedAt,
	}
	if rec.SourceURL != "" {
		src := rec.SourceURL
		dto.SourceURL = &src
	}
	return dto
}
