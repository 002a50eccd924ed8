// Package publisher accepts job requests, persists them and hands them to the broker.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/broker"
	"github.com/Ank61/leadengine/internal/id/uuid"
	"github.com/Ank61/leadengine/internal/metrics"
	"github.com/Ank61/leadengine/internal/scrape"
	"github.com/Ank61/leadengine/internal/telemetry"
)

// Default and maximum page sizes for ListUserJobs.
const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// Service is the producer side of the job pipeline.
type Service struct {
	store  scrape.JobStore
	broker broker.Publisher
	ids    scrape.IDGenerator
	clock  scrape.Clock
	queue  string
	logger *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithQueue overrides the destination queue.
func WithQueue(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.queue = name
		}
	}
}

// New constructs a Service.
func New(
	store scrape.JobStore,
	pub broker.Publisher,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  store,
		broker: pub,
		ids:    ids,
		clock:  clock,
		queue:  scrape.QueueName,
		logger: logger.Named("publisher"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitJob validates the request, stores the job as queued and publishes it.
//
// When persistence fails nothing is published. When publishing fails after
// persistence the job stays queued and the returned error wraps broker.ErrBroker.
func (s *Service) SubmitJob(ctx context.Context, criteria scrape.Criteria, userID string) (scrape.Job, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "publisher.SubmitJob")
	defer span.End()

	canonicalUser, err := validate(criteria, userID)
	if err != nil {
		metrics.ObserveSubmission("invalid")
		span.SetStatus(codes.Error, err.Error())
		return scrape.Job{}, err
	}

	jobID, err := s.ids.NewID()
	if err != nil {
		metrics.ObserveSubmission("error")
		return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("user.id", canonicalUser))

	criteria.SearchQuery = strings.TrimSpace(criteria.SearchQuery)
	job := scrape.Job{
		ID:        jobID,
		UserID:    canonicalUser,
		Status:    scrape.JobStatusQueued,
		Criteria:  criteria.Normalize(),
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		metrics.ObserveSubmission("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "create job")
		s.logger.Error("scrape job creation failed", zap.String("user_id", canonicalUser), zap.Error(err))
		return scrape.Job{}, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("scrape job created",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("industry", job.Criteria.Industry),
		zap.String("geography", job.Criteria.Geography),
		zap.Strings("source_types", job.Criteria.SourceTypes),
	)

	if err := s.broker.Publish(ctx, s.queue, scrape.NewJobMessage(job)); err != nil {
		metrics.ObserveSubmission("publish_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish job")
		s.logger.Error("scrape job publish failed; job remains queued", zap.String("job_id", job.ID), zap.Error(err))
		return job, fmt.Errorf("publish job %s: %w", job.ID, asBrokerError(err))
	}

	metrics.ObserveSubmission("queued")
	s.logger.Info("scrape job queued", zap.String("job_id", job.ID), zap.String("queue", s.queue))
	return job, nil
}

// GetJob returns a job by ID.
func (s *Service) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	id, err := uuid.Canonical(jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("%w: job_id: %w", scrape.ErrNotFound, err)
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListUserJobs returns a page of the user's jobs, newest first.
func (s *Service) ListUserJobs(ctx context.Context, userID string, opts scrape.ListOptions) ([]scrape.Job, error) {
	id, err := uuid.Canonical(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: user_id: %w", scrape.ErrValidation, err)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	jobs, err := s.store.ListJobsByUser(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job and its result records.
func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	id, err := uuid.Canonical(jobID)
	if err != nil {
		return fmt.Errorf("%w: job_id: %w", scrape.ErrNotFound, err)
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	s.logger.Info("scrape job deleted", zap.String("job_id", id))
	return nil
}

// ListResults returns the result records persisted for a job.
func (s *Service) ListResults(ctx context.Context, jobID string) ([]scrape.ResultRecord, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func validate(criteria scrape.Criteria, userID string) (string, error) {
	if strings.TrimSpace(criteria.SearchQuery) == "" {
		return "", fmt.Errorf("%w: search_query is required", scrape.ErrValidation)
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user_id is required", scrape.ErrValidation)
	}
	id, err := uuid.Canonical(userID)
	if err != nil {
		return "", fmt.Errorf("%w: user_id: %w", scrape.ErrValidation, err)
	}
	return id, nil
}

func asBrokerError(err error) error {
	if errors.Is(err, broker.ErrBroker) {
		return err
	}
	return fmt.Errorf("%w: %w", broker.ErrBroker, err)
}
