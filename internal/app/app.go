// Package app builds the long-lived services from configuration and runs the
// HTTP façade and the job worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ank61/leadengine/internal/api"
	"github.com/Ank61/leadengine/internal/broker"
	"github.com/Ank61/leadengine/internal/clock/system"
	"github.com/Ank61/leadengine/internal/collector"
	"github.com/Ank61/leadengine/internal/config"
	"github.com/Ank61/leadengine/internal/id/uuid"
	"github.com/Ank61/leadengine/internal/policy/ratelimit"
	"github.com/Ank61/leadengine/internal/progress"
	"github.com/Ank61/leadengine/internal/publisher"
	"github.com/Ank61/leadengine/internal/scrape"
	"github.com/Ank61/leadengine/internal/telemetry"
	"github.com/Ank61/leadengine/internal/worker"
)

// App holds the services shared by the serve, worker and submit commands.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	broker    broker.Broker
	store     scrape.JobStore
	archive   scrape.BlobStore
	collector scrape.Collector
	publisher *publisher.Service
	events    *progress.Hub
	checks    map[string]api.Pinger
	closers   []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithCollector replaces the stub collection routine.
func WithCollector(c scrape.Collector) Option {
	return func(a *App) { a.collector = c }
}

// Build creates the application's dependencies. On error everything built so
// far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		checks: map[string]api.Pinger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.addCloser("tracer", tp.Shutdown)

	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := a.setupBroker(ctx); err != nil {
		return nil, err
	}
	if err := a.setupArchive(ctx); err != nil {
		return nil, err
	}
	a.setupEvents()
	if a.collector == nil {
		a.collector = collector.NewStub(cfg.Collector.Delay)
	}

	a.publisher = publisher.New(
		a.store,
		a.broker,
		uuid.New(),
		system.New(),
		logger,
		publisher.WithQueue(cfg.Broker.Queue),
	)
	a.logger.Info("application services initialized",
		zap.String("broker", cfg.Broker.Kind),
		zap.String("store", cfg.Store.Kind),
		zap.String("archive", cfg.Archive.Kind),
	)
	return a, nil
}

// Publisher returns the job publisher.
func (a *App) Publisher() *publisher.Service {
	return a.publisher
}

// Store returns the job store.
func (a *App) Store() scrape.JobStore {
	return a.store
}

// Broker returns the message broker.
func (a *App) Broker() broker.Broker {
	return a.broker
}

// Worker builds a job worker over the shared services.
func (a *App) Worker() *worker.Worker {
	return worker.New(
		a.store,
		a.collector,
		a.archive,
		uuid.New(),
		system.New(),
		worker.Config{
			Queue:         a.cfg.Broker.Queue,
			MaxAttempts:   a.cfg.Broker.MaxAttempts,
			ArchivePrefix: a.cfg.Archive.Prefix,
			Events:        a.emitter(),
		},
		a.logger,
	)
}

// APIServer builds the HTTP façade over the shared services.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.publisher, api.Options{
		RequestTimeout: a.cfg.Server.RequestTimeout,
		APIKey:         a.cfg.Server.APIKey,
		Broker:         a.broker,
		Checks:         a.checks,
		SubmitLimiter: ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Server.SubmitRPS,
			Burst: a.cfg.Server.SubmitBurst,
		}),
	}, a.logger)
}

// Serve runs the HTTP server until ctx is done, then shuts it down gracefully.
// With withWorker set, a worker consumes the queue in the same process.
func (a *App) Serve(ctx context.Context, withWorker bool) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if withWorker {
		g.Go(func() error {
			return a.RunWorker(gctx)
		})
	}
	return g.Wait()
}

// RunWorker consumes the job queue until ctx is done. The in-flight job is
// allowed to finish before it returns.
func (a *App) RunWorker(ctx context.Context) error {
	if err := a.Worker().Run(ctx, a.broker, a.cfg.Worker.Prefetch); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run worker: %w", err)
	}
	return nil
}

// Close gracefully shuts down the services in reverse build order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}
