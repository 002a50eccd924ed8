// Package memory provides an in-process broker for tests and single-process runs.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/broker"
)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Queue   string
	Body    []byte
	Headers map[string]string
}

// Broker is an unbounded in-memory queue set with at-least-once settlement rules.
type Broker struct {
	opts   broker.Options
	logger *zap.Logger

	mu        sync.Mutex
	queues    map[string]*queue
	published []PublishedMessage
	seq       int
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a memory Broker.
func New(opts broker.Options, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		opts:   opts,
		logger: logger,
		queues: make(map[string]*queue),
		done:   make(chan struct{}),
	}
}

// Publish records the message and appends it to the named queue.
func (b *Broker) Publish(ctx context.Context, queueName string, payload any) error {
	body, err := broker.Encode(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	headers := map[string]string{broker.HeaderAttempt: "1"}
	broker.InjectTrace(ctx, headers)
	return b.enqueue(ctx, queueName, body, headers)
}

func (b *Broker) enqueue(ctx context.Context, queueName string, body []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: publish canceled: %w", broker.ErrBroker, err)
	}
	b.mu.Lock()
	if b.isClosed() {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", broker.ErrBroker, broker.ErrClosed)
	}
	b.seq++
	d := broker.Delivery{
		ID:      "memory-" + strconv.Itoa(b.seq),
		Queue:   queueName,
		Body:    append([]byte(nil), body...),
		Headers: headers,
		Attempt: broker.AttemptFromHeaders(headers),
	}
	b.published = append(b.published, PublishedMessage{Queue: queueName, Body: d.Body, Headers: headers})
	q := b.queueLocked(queueName)
	b.mu.Unlock()
	q.push(d)
	return nil
}

// Subscribe consumes queueName with prefetch concurrent handlers until ctx ends.
// In-flight handlers run to completion before Subscribe returns.
func (b *Broker) Subscribe(ctx context.Context, queueName string, handler broker.Handler, prefetch int) error {
	if prefetch < 1 {
		prefetch = 1
	}
	b.mu.Lock()
	if b.isClosed() {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", broker.ErrBroker, broker.ErrClosed)
	}
	q := b.queueLocked(queueName)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, ok := q.pop(ctx, b.done)
				if !ok {
					return
				}
				b.handle(ctx, queueName, handler, d)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (b *Broker) handle(ctx context.Context, queueName string, handler broker.Handler, d broker.Delivery) {
	hctx := broker.ExtractTrace(context.WithoutCancel(ctx), d.Headers)
	err := broker.SafeHandle(hctx, handler, d)
	outcome := broker.Decide(b.opts, d.Attempt, err)
	logger := b.logger.With(zap.String("queue", queueName), zap.String("message_id", d.ID), zap.Int("attempt", d.Attempt))
	switch outcome {
	case broker.Ack:
		return
	case broker.Retry:
		logger.Warn("requeueing message", zap.Error(err))
		b.settle(hctx, queueName, d, err)
	case broker.DeadLetter:
		logger.Error("dead-lettering message", zap.Error(err))
		b.settle(hctx, broker.DeadLetterQueue(queueName), d, err)
	case broker.Discard:
		logger.Error("discarding message", zap.Error(err))
	}
}

func (b *Broker) settle(ctx context.Context, target string, d broker.Delivery, cause error) {
	headers := broker.RetryHeaders(d.Headers, d.Attempt, cause)
	if target != d.Queue {
		headers[broker.HeaderAttempt] = strconv.Itoa(d.Attempt)
	}
	if err := b.enqueue(ctx, target, d.Body, headers); err != nil {
		b.logger.Error("settle message failed", zap.String("queue", target), zap.Error(err))
	}
}

// Ping reports whether the broker is still open.
func (b *Broker) Ping(context.Context) error {
	if b.isClosed() {
		return fmt.Errorf("%w: %w", broker.ErrBroker, broker.ErrClosed)
	}
	return nil
}

// Close stops all subscribers after their in-flight handlers finish. Safe to call twice.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

// Published returns a copy of every message accepted so far, including requeues.
func (b *Broker) Published() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishedMessage, len(b.published))
	copy(out, b.published)
	return out
}

// Len returns the number of messages waiting on queueName.
func (b *Broker) Len(queueName string) int {
	b.mu.Lock()
	q := b.queueLocked(queueName)
	b.mu.Unlock()
	return q.len()
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

type queue struct {
	mu     sync.Mutex
	items  []broker.Delivery
	notify chan struct{}
}

func (q *queue) push(d broker.Delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) pop(ctx context.Context, done <-chan struct{}) (broker.Delivery, bool) {
	for {
		select {
		case <-ctx.Done():
			return broker.Delivery{}, false
		case <-done:
			return broker.Delivery{}, false
		default:
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return d, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return broker.Delivery{}, false
		case <-done:
			return broker.Delivery{}, false
		case <-q.notify:
		}
	}
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
