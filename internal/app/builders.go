package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/Ank61/leadengine/internal/broker"
	amqpbroker "github.com/Ank61/leadengine/internal/broker/amqp"
	membroker "github.com/Ank61/leadengine/internal/broker/memory"
	pubsubbroker "github.com/Ank61/leadengine/internal/broker/pubsub"
	"github.com/Ank61/leadengine/internal/broker/redisstream"
	"github.com/Ank61/leadengine/internal/config"
	"github.com/Ank61/leadengine/internal/progress"
	"github.com/Ank61/leadengine/internal/progress/sinks"
	gcsstorage "github.com/Ank61/leadengine/internal/storage/gcs"
	localstorage "github.com/Ank61/leadengine/internal/storage/local"
	memstorage "github.com/Ank61/leadengine/internal/storage/memory"
	"github.com/Ank61/leadengine/internal/storage/postgres"
	"github.com/Ank61/leadengine/internal/storage/sqlite"
)

func (a *App) setupBroker(ctx context.Context) error {
	cfg := a.cfg.Broker
	opts := broker.Options{MaxAttempts: cfg.MaxAttempts, DeadLetter: cfg.DeadLetter}

	switch cfg.Kind {
	case config.KindMemory:
		a.logger.Warn("using in-memory broker; messages are lost on restart")
		a.broker = membroker.New(opts, a.logger)
	case config.KindAMQP:
		a.logger.Info("using RabbitMQ broker", zap.String("host", cfg.AMQP.Host))
		a.broker = amqpbroker.New(amqpbroker.Config{
			URL:            cfg.AMQP.URL,
			Host:           cfg.AMQP.Host,
			Port:           cfg.AMQP.Port,
			User:           cfg.AMQP.User,
			Password:       cfg.AMQP.Password,
			VHost:          cfg.AMQP.VHost,
			ReconnectDelay: cfg.AMQP.ReconnectDelay,
			PublishTimeout: cfg.AMQP.PublishTimeout,
		}, opts, a.logger)
	case config.KindRedis:
		a.logger.Info("using Redis Streams broker", zap.String("addr", cfg.Redis.Addr))
		a.broker = redisstream.New(redisstream.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Prefix:       cfg.Redis.Prefix,
			Group:        cfg.Redis.Group,
			Consumer:     cfg.Redis.Consumer,
			BlockTimeout: cfg.Redis.BlockTimeout,
			ClaimMinIdle: cfg.Redis.ClaimMinIdle,
		}, opts, a.logger)
	case config.KindPubSub:
		a.logger.Info("using Pub/Sub broker", zap.String("project", cfg.PubSub.ProjectID))
		b, err := pubsubbroker.New(ctx, pubsubbroker.Config{
			ProjectID:          cfg.PubSub.ProjectID,
			SubscriptionSuffix: cfg.PubSub.SubscriptionSuffix,
			AckDeadline:        cfg.PubSub.AckDeadline,
			CreateResources:    cfg.PubSub.CreateResources,
		}, opts, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub broker init failed: %w", err)
		}
		a.broker = b
	default:
		return fmt.Errorf("unsupported broker kind %q", cfg.Kind)
	}

	b := a.broker
	a.addCloser("broker", func(context.Context) error { return b.Close() })
	a.checks["broker"] = b
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	cfg := a.cfg.Store

	switch cfg.Kind {
	case config.KindMemory:
		a.logger.Warn("using in-memory job store; jobs are lost on restart")
		a.store = memstorage.NewJobStore()
	case config.KindPostgres:
		a.logger.Info("using Postgres job store")
		store, err := postgres.NewJobStore(ctx, postgres.Config{
			DSN:             cfg.Postgres.ConnString(),
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		a.store = store
		a.checks["store"] = store
	case config.KindSQLite:
		a.logger.Info("using SQLite job store", zap.String("path", cfg.SQLite.Path))
		store, err := sqlite.NewJobStore(cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
		a.addCloser("sqlite", func(context.Context) error { return store.Close() })
		a.store = store
		a.checks["store"] = store
	default:
		return fmt.Errorf("unsupported store kind %q", cfg.Kind)
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	cfg := a.cfg.Archive

	switch cfg.Kind {
	case config.KindNone:
		a.logger.Info("raw output archiving disabled")
	case config.KindMemory:
		a.archive = memstorage.NewBlobStore()
	case config.KindLocal:
		a.logger.Info("using local archive", zap.String("dir", cfg.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = blobs
	case config.KindGCS:
		a.logger.Info("using GCS archive", zap.String("bucket", cfg.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return client.Close() })
		// cfg.Prefix is applied by the worker for every archive kind.
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = blobs
	default:
		return fmt.Errorf("unsupported archive kind %q", cfg.Kind)
	}
	return nil
}

// setupEvents starts the lifecycle event hub when a sink is configured. It
// runs after setupBroker so the hub is flushed before the broker closes.
func (a *App) setupEvents() {
	cfg := a.cfg.Events
	if !cfg.Enabled() {
		return
	}
	var eventSinks []progress.Sink
	if cfg.Log {
		eventSinks = append(eventSinks, sinks.NewLogSink(a.logger))
	}
	if cfg.Queue != "" {
		bs := sinks.NewBrokerSink(a.broker, cfg.Queue)
		bs.TerminalOnly = cfg.TerminalOnly
		eventSinks = append(eventSinks, bs)
	}
	a.events = progress.NewHub(progress.Config{Logger: a.logger}, eventSinks...)
	a.addCloser("events", a.events.Close)
	a.logger.Info("job events enabled", zap.Bool("log", cfg.Log), zap.String("queue", cfg.Queue))
}

// emitter returns the hub as a progress.Emitter, or nil when events are off.
func (a *App) emitter() progress.Emitter {
	if a.events == nil {
		return nil
	}
	return a.events
}
