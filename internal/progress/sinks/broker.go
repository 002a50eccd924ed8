package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ank61/leadengine/internal/broker"
	"github.com/Ank61/leadengine/internal/progress"
)

// BrokerSink publishes every event as a JSON message so other services can
// follow job lifecycles without polling the API.
type BrokerSink struct {
	pub   broker.Publisher
	queue string
	// TerminalOnly limits the feed to JOB_DONE and JOB_ERROR.
	TerminalOnly bool
}

// NewBrokerSink publishes to queue through pub.
func NewBrokerSink(pub broker.Publisher, queue string) *BrokerSink {
	return &BrokerSink{pub: pub, queue: queue}
}

// Consume publishes the batch in order. Publishing continues past failures;
// the joined error is returned.
func (s *BrokerSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if s.TerminalOnly && !evt.Stage.Terminal() {
			continue
		}
		if err := s.pub.Publish(ctx, s.queue, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s event for %s: %w", evt.Stage, evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink. The broker is owned by the caller.
func (s *BrokerSink) Close(context.Context) error {
	return nil
}
