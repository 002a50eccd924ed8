// Package amqp implements the broker contract on RabbitMQ. Messages go through
// the default exchange to durable queues, are persistent and publisher-confirmed.
// Retries are republished with an incremented attempt header and the original
// delivery is acknowledged afterwards, so a crash in between duplicates rather
// than loses the message.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Ank61/leadengine/internal/broker"
)

// Config holds RabbitMQ connection settings. URL wins over the discrete fields.
type Config struct {
	URL            string
	Host           string
	Port           int
	User           string
	Password       string
	VHost          string
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
}

// URI returns the AMQP connection string.
func (c Config) URI() string {
	if c.URL != "" {
		return c.URL
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 5672
	}
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	auth := ""
	if c.User != "" {
		auth = url.UserPassword(c.User, c.Password).String() + "@"
	}
	return "amqp://" + auth + host + ":" + strconv.Itoa(port) + "/" + url.PathEscape(vhost)
}

// Broker is a RabbitMQ-backed broker.Broker. The connection is dialed lazily
// and redialed, rate limited, after it drops.
type Broker struct {
	cfg     Config
	opts    broker.Options
	logger  *zap.Logger
	limiter *rate.Limiter
	dial    func(string) (*amqp.Connection, error)
	// consumeOnce runs one consumer session; Subscribe repeats it.
	consumeOnce func(ctx context.Context, queue string, handler broker.Handler, prefetch int) error

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool
}

// New returns a Broker. No network I/O happens until first use.
func New(cfg Config, opts broker.Options, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	b := &Broker{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(cfg.ReconnectDelay), 1),
		dial:     amqp.Dial,
		declared: make(map[string]bool),
	}
	b.consumeOnce = b.consume
	return b
}

// connection returns a live connection, dialing if needed. Callers hold b.mu.
func (b *Broker) connection(ctx context.Context) (*amqp.Connection, error) {
	if b.closed {
		return nil, broker.ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for reconnect: %w", err)
	}
	conn, err := b.dial(b.cfg.URI())
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	b.conn = conn
	b.pubCh = nil
	b.declared = make(map[string]bool)
	b.logger.Info("rabbitmq connected", zap.String("host", conn.RemoteAddr().String()))
	return conn, nil
}

func (b *Broker) publishChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := b.connection(ctx)
	if err != nil {
		return nil, err
	}
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	b.pubCh = ch
	b.declared = make(map[string]bool)
	return ch, nil
}

func declare(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}
	return nil
}

// Publish sends payload as a persistent message and waits for the broker confirm.
func (b *Broker) Publish(ctx context.Context, queue string, payload any) error {
	body, err := broker.Encode(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	headers := map[string]string{broker.HeaderAttempt: "1"}
	broker.InjectTrace(ctx, headers)
	return b.publish(ctx, queue, body, headers)
}

func (b *Broker) publish(ctx context.Context, queue string, body []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.publishChannel(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	if !b.declared[queue] {
		if err := declare(ch, queue); err != nil {
			b.pubCh = nil
			return fmt.Errorf("%w: %w", broker.ErrBroker, err)
		}
		b.declared[queue] = true
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Headers:      toTable(headers),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		b.pubCh = nil
		return fmt.Errorf("%w: publish to %q: %w", broker.ErrBroker, queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: await confirm: %w", broker.ErrBroker, err)
	}
	if !acked {
		return fmt.Errorf("%w: message to %q was nacked", broker.ErrBroker, queue)
	}
	return nil
}

// Subscribe consumes queue until ctx is done, reconnecting when the channel
// drops. Every retry waits ReconnectDelay; a channel-level error leaves the
// connection open, so the dial limiter alone does not throttle it.
func (b *Broker) Subscribe(ctx context.Context, queue string, handler broker.Handler, prefetch int) error {
	if prefetch < 1 {
		prefetch = 1
	}
	for {
		err := b.consumeOnce(ctx, queue, handler, prefetch)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, broker.ErrClosed) {
			return fmt.Errorf("%w: %w", broker.ErrBroker, err)
		}
		b.logger.Warn("rabbitmq consumer interrupted, reconnecting",
			zap.String("queue", queue), zap.Duration("retry_in", b.cfg.ReconnectDelay), zap.Error(err))

		timer := time.NewTimer(b.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (b *Broker) consume(ctx context.Context, queue string, handler broker.Handler, prefetch int) error {
	b.mu.Lock()
	conn, err := b.connection(ctx)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := declare(ch, queue); err != nil {
		return err
	}
	if b.opts.DeadLetter {
		if err := declare(ch, broker.DeadLetterQueue(queue)); err != nil {
			return err
		}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", queue, err)
	}
	b.logger.Info("rabbitmq consumer started", zap.String("queue", queue), zap.Int("prefetch", prefetch))

	var wg sync.WaitGroup
	for i := 0; i < prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.handle(ctx, queue, handler, d)
				}
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("delivery channel closed")
}

func (b *Broker) handle(ctx context.Context, queue string, handler broker.Handler, d amqp.Delivery) {
	headers := fromTable(d.Headers)
	msg := broker.Delivery{
		ID:          strconv.FormatUint(d.DeliveryTag, 10),
		Queue:       queue,
		Body:        d.Body,
		Headers:     headers,
		Attempt:     broker.AttemptFromHeaders(headers),
		Redelivered: d.Redelivered,
	}
	if d.MessageId != "" {
		msg.ID = d.MessageId
	}
	hctx := broker.ExtractTrace(context.WithoutCancel(ctx), headers)
	herr := broker.SafeHandle(hctx, handler, msg)
	outcome := broker.Decide(b.opts, msg.Attempt, herr)
	logger := b.logger.With(zap.String("queue", queue), zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempt))

	var err error
	switch outcome {
	case broker.Ack:
		err = d.Ack(false)
	case broker.Retry:
		logger.Warn("requeueing message", zap.Error(herr))
		err = b.forward(hctx, d, queue, broker.RetryHeaders(headers, msg.Attempt, herr))
	case broker.DeadLetter:
		logger.Error("dead-lettering message", zap.Error(herr))
		next := broker.RetryHeaders(headers, msg.Attempt, herr)
		next[broker.HeaderAttempt] = strconv.Itoa(msg.Attempt)
		err = b.forward(hctx, d, broker.DeadLetterQueue(queue), next)
	case broker.Discard:
		logger.Error("discarding message", zap.Error(herr))
		err = d.Nack(false, false)
	}
	if err != nil {
		logger.Error("settle message failed", zap.Stringer("outcome", outcome), zap.Error(err))
	}
}

// forward republishes d to target and acks the original. If the republish
// fails the original is requeued untouched.
func (b *Broker) forward(ctx context.Context, d amqp.Delivery, target string, headers map[string]string) error {
	if err := b.publish(ctx, target, d.Body, headers); err != nil {
		if nerr := d.Nack(false, true); nerr != nil {
			return errors.Join(err, nerr)
		}
		return err
	}
	return d.Ack(false)
}

// Ping verifies a connection can be established.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connection(ctx); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrBroker, err)
	}
	return nil
}

// Close closes the connection. Safe to call twice.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	return nil
}

func toTable(headers map[string]string) amqp.Table {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

func fromTable(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
