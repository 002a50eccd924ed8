// Package broker defines the message broker contract used by the job
// publisher and worker. Adapters live in subpackages (amqp, redisstream,
// pubsub, memory) and share the settlement rules defined here.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Header keys carried on every message.
const (
	HeaderAttempt = "x-attempt"
	HeaderError   = "x-last-error"
)

var (
	// ErrBroker wraps publish, subscribe and connection failures.
	ErrBroker = errors.New("broker error")
	// ErrPermanent marks handler failures that must never be retried.
	ErrPermanent = errors.New("permanent failure")
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")
)

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Delivery is one message handed to a Handler.
type Delivery struct {
	ID      string
	Queue   string
	Body    []byte
	Headers map[string]string
	// Attempt starts at 1 and increases each time the message is requeued.
	Attempt int
	// Redelivered is set when the transport redelivers an unacknowledged message.
	Redelivered bool
}

// Handler processes one delivery. A nil return acknowledges the message.
type Handler func(ctx context.Context, d Delivery) error

// Publisher sends payloads to a named durable queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// Subscriber consumes a named durable queue until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler Handler, prefetch int) error
}

// Broker is the full adapter contract.
type Broker interface {
	Publisher
	Subscriber
	Ping(ctx context.Context) error
	Close() error
}

// Options tunes retry and dead-letter behavior shared by all adapters.
type Options struct {
	// MaxAttempts bounds deliveries per message; values below 1 mean 1.
	MaxAttempts int
	// DeadLetter routes exhausted and permanent failures to DeadLetterQueue(queue).
	DeadLetter bool
}

// Attempts returns the effective attempt bound.
func (o Options) Attempts() int {
	if o.MaxAttempts < 1 {
		return 1
	}
	return o.MaxAttempts
}

// DeadLetterQueue returns the dead-letter queue name for queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}

// Outcome is the settlement decided for a handled delivery.
type Outcome int

// Settlement outcomes.
const (
	Ack Outcome = iota
	Retry
	DeadLetter
	Discard
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	case Discard:
		return "discard"
	default:
		return "unknown"
	}
}

// Decide maps a handler result to a settlement outcome.
func Decide(opts Options, attempt int, err error) Outcome {
	if err == nil {
		return Ack
	}
	if !errors.Is(err, ErrPermanent) && attempt < opts.Attempts() {
		return Retry
	}
	if opts.DeadLetter {
		return DeadLetter
	}
	return Discard
}

// Encode serializes a payload the way every adapter puts it on the wire.
func Encode(payload any) ([]byte, error) {
	if raw, ok := payload.([]byte); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// AttemptFromHeaders parses the attempt counter, defaulting to 1.
func AttemptFromHeaders(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// RetryHeaders returns a copy of headers for the next attempt.
func RetryHeaders(headers map[string]string, attempt int, cause error) map[string]string {
	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	out[HeaderAttempt] = strconv.Itoa(attempt + 1)
	if cause != nil {
		out[HeaderError] = cause.Error()
	}
	return out
}

// SafeHandle runs handler and converts a panic into an error so a failing
// handler never takes down the consumer.
func SafeHandle(ctx context.Context, handler Handler, d Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, d)
}
