// Package server assembles the service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/upload-progress/internal/api"
	"github.com/JakeFAU/upload-progress/internal/clock/system"
	"github.com/JakeFAU/upload-progress/internal/config"
	"github.com/JakeFAU/upload-progress/internal/dispatcher"
	"github.com/JakeFAU/upload-progress/internal/events"
	"github.com/JakeFAU/upload-progress/internal/events/sinks"
	"github.com/JakeFAU/upload-progress/internal/id/uuid"
	"github.com/JakeFAU/upload-progress/internal/jobs"
	"github.com/JakeFAU/upload-progress/internal/logging"
	"github.com/JakeFAU/upload-progress/internal/processor"
	"github.com/JakeFAU/upload-progress/internal/progress"
	memorypublisher "github.com/JakeFAU/upload-progress/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/upload-progress/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/upload-progress/internal/queue/memory"
	queueRedis "github.com/JakeFAU/upload-progress/internal/queue/redis"
	"github.com/JakeFAU/upload-progress/internal/reaper"
	"github.com/JakeFAU/upload-progress/internal/storage/memory"
	pgstore "github.com/JakeFAU/upload-progress/internal/storage/postgres"
	redisstore "github.com/JakeFAU/upload-progress/internal/storage/redis"
	"github.com/JakeFAU/upload-progress/internal/telemetry"
	"github.com/JakeFAU/upload-progress/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger makes Build use logger instead of constructing one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithRegisterer registers job metrics against reg instead of the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  jobs.Clock

	store     jobs.ProgressStore
	redis     *goredis.Client
	pgStore   *pgstore.ProgressStore
	memQueues []*queueMemory.Queue
	rdQueues  []*queueRedis.Queue

	dispatch  *dispatcher.Dispatcher
	hub       *events.Hub
	registry  *progress.Registry
	reaper    *reaper.Reaper
	apiServer *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	notifier        jobs.Notifier
	tracerProvider  *sdktrace.TracerProvider

	closeOnce sync.Once
}

// Build creates the application's dependencies. Nothing runs until
// RunServer or RunWorkers is called.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		o.logger = logger
	}
	if o.registerer == nil {
		o.registerer = prometheus.DefaultRegisterer
	}

	app := &App{cfg: cfg, logger: o.logger, clock: system.New()}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.Strings("queues", cfg.QueueNames()),
	)

	steps := []func(context.Context, prometheus.Registerer) error{
		app.setupTelemetry,
		app.setupStore,
		app.setupEvents,
		app.setupDispatcher,
		app.setupSubscriptions,
	}
	for _, step := range steps {
		if err := step(ctx, o.registerer); err != nil {
			_ = app.Close(context.Background())
			return nil, err
		}
	}
	return app, nil
}

func (a *App) setupTelemetry(ctx context.Context, _ prometheus.Registerer) error {
	tp, err := telemetry.InitTracing(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerProvider = tp
	return nil
}

func (a *App) redisClient() *goredis.Client {
	if a.redis == nil {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
	}
	return a.redis
}

func (a *App) setupStore(ctx context.Context, _ prometheus.Registerer) error {
	switch a.cfg.Store.Backend {
	case config.BackendRedis:
		store, err := redisstore.NewProgressStore(a.redisClient(), redisstore.Config{
			KeyPrefix: a.cfg.Redis.KeyPrefix + "progress:",
			Retention: a.cfg.Progress.Retention,
		}, a.clock)
		if err != nil {
			return fmt.Errorf("redis progress store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using redis progress store", zap.String("addr", a.cfg.Redis.Addr))
	case config.BackendPostgres:
		store, err := pgstore.NewProgressStore(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			Table:    a.cfg.DB.Table,
			MaxConns: a.cfg.DB.MaxConns,
		}, a.clock)
		if err != nil {
			return fmt.Errorf("postgres progress store init failed: %w", err)
		}
		a.pgStore = store
		if a.cfg.DB.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		a.store = store
		a.logger.Info("using postgres progress store", zap.String("table", a.cfg.DB.Table))
	default:
		a.store = memory.NewProgressStore(a.clock)
		a.logger.Info("using in-memory progress store")
	}
	return nil
}

func (a *App) setupNotifier(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		a.notifier = memorypublisher.New(0)
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	a.notifier = gcppublisher.New(a.pubsubPublisher)
	return nil
}

func (a *App) setupEvents(ctx context.Context, reg prometheus.Registerer) error {
	if err := a.setupNotifier(ctx); err != nil {
		return err
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{
		promSink,
		sinks.NewNotifySink(a.notifier, a.cfg.Events.NotifyTopic, a.logger.Named("notify_sink")),
	}
	if a.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events_log")))
	}
	hubCfg := events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		SinkTimeout:    a.cfg.Events.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("events_hub"),
	}
	a.hub = events.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) newQueue(name string, qc config.QueueConfig) (jobs.Queue, error) {
	if a.cfg.Queue.Backend == config.BackendRedis {
		q, err := queueRedis.NewQueue(a.redisClient(), name, queueRedis.Config{
			KeyPrefix:    a.cfg.Redis.KeyPrefix + "queue:",
			BlockTimeout: a.cfg.Redis.BlockTimeout,
			MaxDepth:     int64(qc.Depth),
		})
		if err != nil {
			return nil, fmt.Errorf("redis queue %s init failed: %w", name, err)
		}
		a.rdQueues = append(a.rdQueues, q)
		return q, nil
	}
	q := queueMemory.NewQueue(name, qc.Depth)
	a.memQueues = append(a.memQueues, q)
	return q, nil
}

func (a *App) setupDispatcher(_ context.Context, _ prometheus.Registerer) error {
	a.dispatch = dispatcher.New(a.store, uuid.New(), a.hub, a.clock, a.logger)
	proc := processor.NewSimulated(processor.Config{
		Steps:     a.cfg.Worker.Steps,
		StepDelay: a.cfg.Worker.StepDelay,
	}, a.logger)
	workerCfg := worker.Config{JobTimeout: a.cfg.Worker.JobTimeout}

	id := 0
	for _, name := range a.cfg.QueueNames() {
		qc := a.cfg.Queues[name]
		q, err := a.newQueue(name, qc)
		if err != nil {
			return err
		}
		runners := make([]dispatcher.Runner, 0, qc.Workers)
		for range qc.Workers {
			id++
			runners = append(runners, worker.New(id, q, a.store, proc, a.hub, a.clock, workerCfg, a.logger))
		}
		if err := a.dispatch.AddQueue(q, runners...); err != nil {
			return fmt.Errorf("register queue %s: %w", name, err)
		}
		a.logger.Info("queue configured",
			zap.String("queue", name),
			zap.Int("workers", qc.Workers),
			zap.Int("depth", qc.Depth),
		)
	}
	return nil
}

func (a *App) setupSubscriptions(_ context.Context, _ prometheus.Registerer) error {
	policy, err := progress.ParseAbsentPolicy(a.cfg.Progress.AbsentPolicy)
	if err != nil {
		return fmt.Errorf("progress absent policy: %w", err)
	}
	a.registry = progress.NewRegistry(a.store, progress.Options{
		Interval:     a.cfg.Progress.PollInterval,
		AbsentPolicy: policy,
		Clock:        a.clock,
	}, a.logger)

	var sweepers []jobs.Sweeper
	if sw, ok := a.store.(jobs.Sweeper); ok {
		sweepers = append(sweepers, sw)
	}
	a.reaper, err = reaper.New(reaper.Config{
		Retention: a.cfg.Progress.Retention,
		Interval:  a.cfg.Progress.SweepInterval,
	}, a.clock, a.logger, sweepers...)
	if err != nil {
		return fmt.Errorf("reaper init failed: %w", err)
	}

	var pingers []jobs.Pinger
	if p, ok := a.store.(jobs.Pinger); ok {
		pingers = append(pingers, p)
	}
	a.apiServer = api.NewServer(a.dispatch, a.store, a.registry, *a.cfg, a.logger, pingers...)
	return nil
}

// Dispatcher returns the job dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Registry returns the subscription registry.
func (a *App) Registry() *progress.Registry { return a.registry }

// Store returns the configured progress store.
func (a *App) Store() jobs.ProgressStore { return a.store }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// QueueBackend names the configured queue backend.
func (a *App) QueueBackend() string { return a.cfg.Queue.Backend }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunServer serves HTTP and runs the workers and reaper until ctx ends or a
// termination signal arrives, then shuts everything down.
func (a *App) RunServer(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started")

	g, gctx := errgroup.WithContext(ctx)
	if err := a.reaper.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error { return a.dispatch.Run(gctx) })

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
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
		// Open event streams would otherwise hold Shutdown until its deadline.
		a.registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// RunWorkers runs only the queue workers and the reaper. It is used by
// dedicated worker processes sharing a networked store and queue.
func (a *App) RunWorkers(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.reaper.Start(ctx); err != nil {
		return err
	}
	runErr := a.dispatch.Run(ctx)
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close gracefully shuts down the application. Later calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		err = a.close(ctx)
	})
	return err
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.reaper != nil {
		a.reaper.Stop()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	for _, q := range a.memQueues {
		q.Close()
	}
	for _, q := range a.rdQueues {
		q.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Submit enqueues payload on the named queue.
func (a *App) Submit(ctx context.Context, queue, payload string) (string, error) {
	return a.dispatch.Submit(ctx, queue, payload)
}

// Subscribe follows jobID's progress until it reaches a terminal state.
func (a *App) Subscribe(ctx context.Context, jobID string) (*progress.Subscription, error) {
	return a.registry.Subscribe(ctx, jobID)
}
