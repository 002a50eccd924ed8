// Package redisstream implements the broker contract on Redis Streams with a
// consumer group per queue. Unacknowledged entries left by a crashed consumer
// are reclaimed once they exceed ClaimMinIdle. A live consumer keeps resetting
// the idle time of the entry it is handling, so slow jobs are never reclaimed.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/broker"
)

const (
	bodyField    = "body"
	headersField = "headers"

	defaultPrefix       = "leadengine"
	defaultGroup        = "workers"
	defaultBlockTimeout = 5 * time.Second
	defaultClaimMinIdle = 5 * time.Minute
	maxPendingCheck     = 10
)

// Config holds Redis Streams settings.
type Config struct {
	Addr         string
	Password     string `json:"-"`
	DB           int
	Prefix       string
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	ClaimMinIdle time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.Group == "" {
		c.Group = defaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + fmt.Sprint(time.Now().UnixNano())
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = defaultBlockTimeout
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = defaultClaimMinIdle
	}
	return c
}

// Broker is a Redis Streams backed broker.Broker.
type Broker struct {
	client *redis.Client
	cfg    Config
	opts   broker.Options
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New creates a Broker with its own client.
func New(cfg Config, opts broker.Options, logger *zap.Logger) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewFromClient(client, cfg, opts, logger)
}

// NewFromClient wraps an existing client. Close closes it.
func NewFromClient(client *redis.Client, cfg Config, opts broker.Options, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, cfg: cfg.withDefaults(), opts: opts, logger: logger}
}

// StreamName returns the stream key backing queue.
func (b *Broker) StreamName(queue string) string {
	return b.cfg.Prefix + ":" + queue
}

// Publish appends payload to the queue's stream.
func (b *Broker) Publish(ctx context.Context, queue string, payload any) error {
	body, err := broker.Encode(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	headers := map[string]string{broker.HeaderAttempt: "1"}
	broker.InjectTrace(ctx, headers)
	values, err := entryValues(body, headers)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: b.StreamName(queue), Values: values}).Err(); err != nil {
		return fmt.Errorf("%w: xadd %s: %w", broker.ErrBroker, queue, err)
	}
	return nil
}

func entryValues(body []byte, headers map[string]string) (map[string]any, error) {
	rawHeaders, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	return map[string]any{bodyField: string(body), headersField: string(rawHeaders)}, nil
}

func (b *Broker) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Subscribe reads the queue's stream through the consumer group until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, queue string, handler broker.Handler, prefetch int) error {
	if prefetch < 1 {
		prefetch = 1
	}
	stream := b.StreamName(queue)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	b.logger.Info("redis stream consumer started",
		zap.String("stream", stream), zap.String("group", b.cfg.Group), zap.String("consumer", b.cfg.Consumer))

	var wg sync.WaitGroup
	for i := 0; i < prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consumeLoop(ctx, queue, stream, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (b *Broker) consumeLoop(ctx context.Context, queue, stream string, handler broker.Handler) {
	for ctx.Err() == nil {
		msg, redelivered, err := b.next(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			b.logger.Warn("redis stream read failed", zap.String("stream", stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}
		b.handle(ctx, queue, stream, handler, *msg, redelivered)
	}
}

// next returns a reclaimed idle entry if one exists, otherwise blocks for a new one.
func (b *Broker) next(ctx context.Context, stream string) (*redis.XMessage, bool, error) {
	if msg := b.reclaim(ctx, stream); msg != nil {
		return msg, true, nil
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    b.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], false, nil
		}
	}
	return nil, false, nil
}

func (b *Broker) reclaim(ctx context.Context, stream string) *redis.XMessage {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  maxPendingCheck,
	}).Result()
	if err != nil {
		return nil
	}
	for _, entry := range pending {
		if entry.Idle < b.cfg.ClaimMinIdle || entry.Consumer == b.cfg.Consumer {
			continue
		}
		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimMinIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		b.logger.Info("reclaimed idle stream entry",
			zap.String("stream", stream), zap.String("message_id", entry.ID), zap.String("from", entry.Consumer))
		return &claimed[0]
	}
	return nil
}

func (b *Broker) handle(ctx context.Context, queue, stream string, handler broker.Handler, msg redis.XMessage, redelivered bool) {
	body, _ := msg.Values[bodyField].(string)
	headers := map[string]string{}
	if raw, ok := msg.Values[headersField].(string); ok {
		_ = json.Unmarshal([]byte(raw), &headers)
	}
	d := broker.Delivery{
		ID:          msg.ID,
		Queue:       queue,
		Body:        []byte(body),
		Headers:     headers,
		Attempt:     broker.AttemptFromHeaders(headers),
		Redelivered: redelivered,
	}
	hctx := broker.ExtractTrace(context.WithoutCancel(ctx), headers)
	stopLease := b.holdLease(hctx, stream, msg.ID)
	herr := broker.SafeHandle(hctx, handler, d)
	stopLease()
	outcome := broker.Decide(b.opts, d.Attempt, herr)
	logger := b.logger.With(zap.String("queue", queue), zap.String("message_id", d.ID), zap.Int("attempt", d.Attempt))

	var err error
	switch outcome {
	case broker.Ack, broker.Discard:
		if outcome == broker.Discard {
			logger.Error("discarding message", zap.Error(herr))
		}
		err = b.client.XAck(hctx, stream, b.cfg.Group, msg.ID).Err()
	case broker.Retry:
		logger.Warn("requeueing message", zap.Error(herr))
		err = b.forward(hctx, stream, stream, msg.ID, d.Body, broker.RetryHeaders(headers, d.Attempt, herr))
	case broker.DeadLetter:
		logger.Error("dead-lettering message", zap.Error(herr))
		next := broker.RetryHeaders(headers, d.Attempt, herr)
		next[broker.HeaderAttempt] = fmt.Sprint(d.Attempt)
		err = b.forward(hctx, stream, b.StreamName(broker.DeadLetterQueue(queue)), msg.ID, d.Body, next)
	}
	if err != nil {
		logger.Error("settle message failed", zap.Stringer("outcome", outcome), zap.Error(err))
	}
}

// holdLease re-claims id for this consumer every third of ClaimMinIdle until
// the returned stop function is called. XCLAIM with JUSTID resets the entry's
// idle time without bumping its delivery count.
func (b *Broker) holdLease(ctx context.Context, stream, id string) (stop func()) {
	interval := b.cfg.ClaimMinIdle / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := b.client.XClaimJustID(ctx, &redis.XClaimArgs{
					Stream:   stream,
					Group:    b.cfg.Group,
					Consumer: b.cfg.Consumer,
					Messages: []string{id},
				}).Err()
				if err != nil && ctx.Err() == nil {
					b.logger.Warn("stream lease renewal failed",
						zap.String("stream", stream), zap.String("message_id", id), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// forward appends the entry to target and acks the original in one transaction.
func (b *Broker) forward(ctx context.Context, stream, target, id string, body []byte, headers map[string]string) error {
	values, err := entryValues(body, headers)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: values})
		pipe.XAck(ctx, stream, b.cfg.Group, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("forward to %s: %w", target, err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	return nil
}

// Close closes the Redis client. Safe to call twice.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		if err := b.client.Close(); err != nil {
			b.closeErr = fmt.Errorf("close redis client: %w", err)
		}
	})
	return b.closeErr
}
