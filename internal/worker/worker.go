// Package worker implements the consumer side of the job pipeline.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/broker"
	"github.com/Ank61/leadengine/internal/dedup"
	"github.com/Ank61/leadengine/internal/metrics"
	"github.com/Ank61/leadengine/internal/progress"
	"github.com/Ank61/leadengine/internal/scrape"
	"github.com/Ank61/leadengine/internal/telemetry"
)

// Job outcomes reported to metrics.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRetry     = "retry"
	outcomeMalformed = "malformed"
	outcomeDropped   = "dropped"
	outcomeSkipped   = "skipped"
)

// Config controls Worker behavior.
type Config struct {
	// Queue is the queue consumed by Run.
	Queue string
	// MaxAttempts must match the broker's attempt bound; on that attempt a
	// failing job is marked failed.
	MaxAttempts int
	// ArchivePrefix is prepended to raw/<job_id>/<attempt>.json archive paths.
	ArchivePrefix string
	// Events receives lifecycle events; nil disables them.
	Events progress.Emitter
}

// Worker consumes job messages and drives each job to a terminal state.
type Worker struct {
	store     scrape.JobStore
	collector scrape.Collector
	dedup     *dedup.Engine
	archive   scrape.BlobStore
	ids       scrape.IDGenerator
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. archive may be nil.
func New(
	store scrape.JobStore,
	collector scrape.Collector,
	archive scrape.BlobStore,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Queue == "" {
		cfg.Queue = scrape.QueueName
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		store:     store,
		collector: collector,
		dedup:     dedup.New(store),
		archive:   archive,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run consumes the configured queue until ctx is done. The in-flight job
// finishes before Run returns.
func (w *Worker) Run(ctx context.Context, sub broker.Subscriber, prefetch int) error {
	w.logger.Info("worker started", zap.String("queue", w.cfg.Queue), zap.Int("prefetch", prefetch))
	err := sub.Subscribe(ctx, w.cfg.Queue, w.Handle, prefetch)
	w.logger.Info("worker stopped", zap.String("queue", w.cfg.Queue))
	return err
}

// Handle processes one delivery. A nil return acknowledges the message.
// Malformed payloads are returned as permanent failures.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) error {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "worker.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.message.id", d.ID),
		attribute.Int("job.attempt", d.Attempt),
	)

	msg, err := scrape.DecodeJobMessage(d.Body)
	if err != nil {
		w.logger.Error("malformed job message", zap.String("delivery_id", d.ID), zap.Error(err))
		metrics.ObserveJob(outcomeMalformed, time.Since(start))
		span.SetStatus(codes.Error, "malformed message")
		return broker.Permanent(err)
	}
	span.SetAttributes(attribute.String("job.id", msg.JobID))
	logger := w.logger.With(zap.String("job_id", msg.JobID), zap.Int("attempt", d.Attempt))

	job, err := w.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, scrape.ErrNotFound) {
		logger.Warn("job not found; dropping message")
		metrics.ObserveJob(outcomeDropped, time.Since(start))
		return nil
	}
	if err != nil {
		return w.fail(ctx, logger, msg, d.Attempt, start, fmt.Errorf("load job: %w", err))
	}

	proceed, err := w.begin(ctx, logger, job)
	if err != nil {
		return w.fail(ctx, logger, msg, d.Attempt, start, err)
	}
	if !proceed {
		metrics.ObserveJob(outcomeSkipped, time.Since(start))
		w.emit(progress.Event{
			JobID:   msg.JobID,
			UserID:  msg.UserID,
			Stage:   progress.StageJobSkipped,
			Attempt: d.Attempt,
			Note:    string(job.Status),
		})
		return nil
	}
	w.emit(progress.Event{JobID: msg.JobID, UserID: msg.UserID, Stage: progress.StageJobStart, Attempt: d.Attempt})

	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	completion, err := w.process(ctx, logger, msg, d.Attempt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process job")
		return w.fail(ctx, logger, msg, d.Attempt, start, err)
	}

	logger.Info("scrape job completed",
		zap.Int("total_found", completion.TotalFound),
		zap.Int("total_processed", completion.TotalProcessed),
		zap.Duration("duration", time.Since(start)),
	)
	metrics.ObserveJob(outcomeCompleted, time.Since(start))
	w.emit(progress.Event{
		JobID:          msg.JobID,
		UserID:         msg.UserID,
		Stage:          progress.StageJobDone,
		Attempt:        d.Attempt,
		TotalFound:     completion.TotalFound,
		TotalProcessed: completion.TotalProcessed,
		Dur:            time.Since(start),
	})
	return nil
}

// begin moves the job into running. It reports false when the job is
// already terminal and the delivery should be acknowledged untouched.
func (w *Worker) begin(ctx context.Context, logger *zap.Logger, job scrape.Job) (bool, error) {
	for range 2 {
		switch job.Status {
		case scrape.JobStatusCompleted, scrape.JobStatusFailed:
			logger.Info("job already terminal; skipping redelivered message", zap.String("status", string(job.Status)))
			return false, nil
		case scrape.JobStatusRunning:
			logger.Info("resuming running job")
			return true, nil
		case scrape.JobStatusQueued:
			err := w.store.MarkRunning(ctx, job.ID, w.clock.Now().UTC())
			if err == nil {
				logger.Info("scrape job started", zap.String("search_query", job.Criteria.SearchQuery))
				return true, nil
			}
			if !errors.Is(err, scrape.ErrInvalidTransition) {
				return false, fmt.Errorf("mark running: %w", err)
			}
			// Another consumer moved the job first; re-read and decide again.
			job, err = w.store.GetJob(ctx, job.ID)
			if err != nil {
				return false, fmt.Errorf("reload job: %w", err)
			}
		default:
			return false, fmt.Errorf("job %s has unknown status %q", job.ID, job.Status)
		}
	}
	return false, fmt.Errorf("job %s: %w", job.ID, scrape.ErrInvalidTransition)
}

func (w *Worker) process(ctx context.Context, logger *zap.Logger, msg scrape.JobMessage, attempt int) (scrape.Completion, error) {
	records, err := w.collector.Collect(ctx, msg.Criteria())
	if err != nil {
		return scrape.Completion{}, fmt.Errorf("collect: %w", err)
	}
	logger.Info("collection finished", zap.Int("records", len(records)))

	w.archiveRaw(ctx, logger, msg.JobID, attempt, records)

	processed := 0
	for _, rec := range records {
		inserted, err := w.saveRecord(ctx, logger, msg, rec)
		if err != nil {
			return scrape.Completion{}, err
		}
		if inserted {
			processed++
		}
	}

	completion := scrape.Completion{
		TotalFound:     len(records),
		TotalProcessed: processed,
		CompletedAt:    w.clock.Now().UTC(),
	}
	if err := w.store.MarkCompleted(ctx, msg.JobID, completion); err != nil {
		return scrape.Completion{}, fmt.Errorf("mark completed: %w", err)
	}
	return completion, nil
}

func (w *Worker) saveRecord(
	ctx context.Context,
	logger *zap.Logger,
	msg scrape.JobMessage,
	rec scrape.Record,
) (bool, error) {
	hash, err := dedup.Hash(rec)
	if err != nil {
		return false, fmt.Errorf("hash record: %w", err)
	}
	id, err := w.ids.NewID()
	if err != nil {
		return false, fmt.Errorf("generate record id: %w", err)
	}
	outcome, err := w.dedup.Save(ctx, scrape.ResultRecord{
		ID:          id,
		JobID:       msg.JobID,
		UserID:      msg.UserID,
		Payload:     rec,
		SourceURL:   rec.SourceURL(),
		ContentHash: hash,
		ScrapedAt:   w.clock.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("save record: %w", err)
	}
	metrics.ObserveRecord(outcome.String())
	if outcome == dedup.Duplicate {
		logger.Debug("duplicate record skipped", zap.String("content_hash", hash))
		return false, nil
	}
	return true, nil
}

// archiveRaw stores the untouched collector output. Failures are logged only.
func (w *Worker) archiveRaw(ctx context.Context, logger *zap.Logger, jobID string, attempt int, records []scrape.Record) {
	if w.archive == nil {
		return
	}
	data, err := json.Marshal(records)
	if err != nil {
		logger.Warn("encode raw output failed", zap.Error(err))
		return
	}
	path := ArchivePath(w.cfg.ArchivePrefix, jobID, attempt)
	uri, err := w.archive.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		logger.Warn("archive raw output failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("raw output archived", zap.String("uri", uri))
}

// fail records a processing failure. On the final attempt the job is marked
// failed; otherwise it stays running and the error asks the broker to retry.
func (w *Worker) fail(
	ctx context.Context,
	logger *zap.Logger,
	msg scrape.JobMessage,
	attempt int,
	start time.Time,
	cause error,
) error {
	evt := progress.Event{
		JobID:   msg.JobID,
		UserID:  msg.UserID,
		Attempt: attempt,
		Dur:     time.Since(start),
		Note:    cause.Error(),
	}
	if attempt < w.cfg.MaxAttempts {
		logger.Warn("scrape job attempt failed; will retry",
			zap.Int("max_attempts", w.cfg.MaxAttempts),
			zap.Error(cause),
		)
		metrics.ObserveJob(outcomeRetry, time.Since(start))
		evt.Stage = progress.StageJobRetry
		w.emit(evt)
		return cause
	}

	logger.Error("scrape job failed", zap.Error(cause))
	metrics.ObserveJob(outcomeFailed, time.Since(start))
	if err := w.store.MarkFailed(ctx, msg.JobID, w.clock.Now().UTC()); err != nil {
		logger.Error("mark failed", zap.Error(err))
	}
	evt.Stage = progress.StageJobError
	w.emit(evt)
	return cause
}

func (w *Worker) emit(evt progress.Event) {
	if w.cfg.Events == nil {
		return
	}
	evt.TS = time.Now().UTC()
	w.cfg.Events.Emit(evt)
}

// ArchivePath returns the blob path for one collection run.
func ArchivePath(prefix, jobID string, attempt int) string {
	path := "raw/" + jobID + "/" + strconv.Itoa(attempt) + ".json"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}
