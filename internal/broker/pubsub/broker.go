// Package pubsub implements the broker contract on Google Cloud Pub/Sub.
// Each queue maps to a topic of the same name and one shared subscription.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Ank61/leadengine/internal/broker"
)

// Config holds Pub/Sub settings.
type Config struct {
	ProjectID          string
	SubscriptionSuffix string
	AckDeadline        time.Duration
	// CreateResources declares missing topics and subscriptions on first use.
	CreateResources bool
}

// Broker is a Pub/Sub backed broker.Broker.
type Broker struct {
	client *pubsub.Client
	cfg    Config
	opts   broker.Options
	logger *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
	ensured    map[string]bool
	closed     bool
}

// New dials Pub/Sub using Application Default Credentials, or the emulator
// when PUBSUB_EMULATOR_HOST is set.
func New(ctx context.Context, cfg Config, opts broker.Options, logger *zap.Logger) (*Broker, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: create pubsub client: %w", broker.ErrBroker, err)
	}
	return NewFromClient(client, cfg, opts, logger), nil
}

// NewFromClient wraps an existing client. Close closes it.
func NewFromClient(client *pubsub.Client, cfg Config, opts broker.Options, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubscriptionSuffix == "" {
		cfg.SubscriptionSuffix = "workers"
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	return &Broker{
		client:     client,
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		publishers: make(map[string]*pubsub.Publisher),
		ensured:    make(map[string]bool),
	}
}

func (b *Broker) topicName(queue string) string {
	return fmt.Sprintf("projects/%s/topics/%s", b.cfg.ProjectID, queue)
}

func (b *Broker) subscriptionName(queue string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s-%s", b.cfg.ProjectID, queue, b.cfg.SubscriptionSuffix)
}

func ignoreExists(err error) error {
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return err
}

func (b *Broker) ensureTopic(ctx context.Context, queue string) error {
	if !b.cfg.CreateResources || b.ensured["topic/"+queue] {
		return nil
	}
	_, err := b.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: b.topicName(queue)})
	if err := ignoreExists(err); err != nil {
		return fmt.Errorf("create topic %q: %w", queue, err)
	}
	b.ensured["topic/"+queue] = true
	return nil
}

func (b *Broker) ensureSubscription(ctx context.Context, queue string) error {
	if !b.cfg.CreateResources || b.ensured["sub/"+queue] {
		return nil
	}
	_, err := b.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               b.subscriptionName(queue),
		Topic:              b.topicName(queue),
		AckDeadlineSeconds: int32(b.cfg.AckDeadline / time.Second),
	})
	if err := ignoreExists(err); err != nil {
		return fmt.Errorf("create subscription for %q: %w", queue, err)
	}
	b.ensured["sub/"+queue] = true
	return nil
}

// declare creates the queue's topic and its subscription. Pub/Sub drops
// messages published to a topic with no subscription, so both must exist
// before the first publish.
func (b *Broker) declare(ctx context.Context, queue string) error {
	if err := b.ensureTopic(ctx, queue); err != nil {
		return err
	}
	return b.ensureSubscription(ctx, queue)
}

func (b *Broker) publisher(ctx context.Context, queue string) (*pubsub.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	if p, ok := b.publishers[queue]; ok {
		return p, nil
	}
	if err := b.declare(ctx, queue); err != nil {
		return nil, err
	}
	p := b.client.Publisher(b.topicName(queue))
	b.publishers[queue] = p
	return p, nil
}

// Publish sends payload and waits for the server-assigned message ID.
func (b *Broker) Publish(ctx context.Context, queue string, payload any) error {
	body, err := broker.Encode(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	attrs := map[string]string{broker.HeaderAttempt: "1"}
	broker.InjectTrace(ctx, attrs)
	return b.publish(ctx, queue, body, attrs)
}

func (b *Broker) publish(ctx context.Context, queue string, body []byte, attrs map[string]string) error {
	p, err := b.publisher(ctx, queue)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	if _, err := p.Publish(ctx, &pubsub.Message{Data: body, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("%w: publish to %q: %w", broker.ErrBroker, queue, err)
	}
	return nil
}

// Subscribe receives from the queue's subscription until ctx is done.
// Receive returns only after in-flight callbacks finish.
func (b *Broker) Subscribe(ctx context.Context, queue string, handler broker.Handler, prefetch int) error {
	if prefetch < 1 {
		prefetch = 1
	}
	if err := b.prepare(ctx, queue); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}

	sub := b.client.Subscriber(b.subscriptionName(queue))
	sub.ReceiveSettings.MaxOutstandingMessages = prefetch
	sub.ReceiveSettings.NumGoroutines = 1
	b.logger.Info("pubsub consumer started", zap.String("subscription", b.subscriptionName(queue)), zap.Int("prefetch", prefetch))

	err := sub.Receive(ctx, func(rctx context.Context, msg *pubsub.Message) {
		b.handle(rctx, queue, handler, msg)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: receive %q: %w", broker.ErrBroker, queue, err)
	}
	return nil
}

// prepare declares the queue and, when enabled, its dead-letter queue.
func (b *Broker) prepare(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	if err := b.declare(ctx, queue); err != nil {
		return err
	}
	if b.opts.DeadLetter {
		return b.declare(ctx, broker.DeadLetterQueue(queue))
	}
	return nil
}

func (b *Broker) handle(ctx context.Context, queue string, handler broker.Handler, msg *pubsub.Message) {
	attrs := make(map[string]string, len(msg.Attributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	d := broker.Delivery{
		ID:          msg.ID,
		Queue:       queue,
		Body:        msg.Data,
		Headers:     attrs,
		Attempt:     broker.AttemptFromHeaders(attrs),
		Redelivered: msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > 1,
	}
	hctx := broker.ExtractTrace(context.WithoutCancel(ctx), attrs)
	herr := broker.SafeHandle(hctx, handler, d)
	outcome := broker.Decide(b.opts, d.Attempt, herr)
	logger := b.logger.With(zap.String("queue", queue), zap.String("message_id", d.ID), zap.Int("attempt", d.Attempt))

	switch outcome {
	case broker.Ack:
		msg.Ack()
	case broker.Retry:
		logger.Warn("requeueing message", zap.Error(herr))
		b.forward(hctx, logger, msg, queue, broker.RetryHeaders(attrs, d.Attempt, herr))
	case broker.DeadLetter:
		logger.Error("dead-lettering message", zap.Error(herr))
		next := broker.RetryHeaders(attrs, d.Attempt, herr)
		next[broker.HeaderAttempt] = strconv.Itoa(d.Attempt)
		b.forward(hctx, logger, msg, broker.DeadLetterQueue(queue), next)
	case broker.Discard:
		logger.Error("discarding message", zap.Error(herr))
		msg.Ack()
	}
}

// forward republishes msg to target then acks it; on failure the message is
// nacked so the server redelivers it unchanged.
func (b *Broker) forward(ctx context.Context, logger *zap.Logger, msg *pubsub.Message, target string, attrs map[string]string) {
	if err := b.publish(ctx, target, msg.Data, attrs); err != nil {
		logger.Error("settle message failed", zap.String("target", target), zap.Error(err))
		msg.Nack()
		return
	}
	msg.Ack()
}

// Ping verifies the service is reachable by listing one topic.
func (b *Broker) Ping(ctx context.Context) error {
	it := b.client.TopicAdminClient.ListTopics(ctx, &pubsubpb.ListTopicsRequest{
		Project:  "projects/" + b.cfg.ProjectID,
		PageSize: 1,
	})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	return nil
}

// Close flushes publishers and closes the client. Safe to call twice.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, p := range b.publishers {
		p.Stop()
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
