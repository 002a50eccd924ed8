package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("attempt", evt.Attempt),
			zap.Time("event_ts", evt.TS),
		}
		if evt.Stage == progress.StageJobDone {
			fields = append(fields,
				zap.Int("total_found", evt.TotalFound),
				zap.Int("total_processed", evt.TotalProcessed),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
