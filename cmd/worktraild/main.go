// Package main is the entry point for the worktrail server. It wires the
// workflow engine to its stores, starts the job workers and serves the HTTP
// API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/worktrail/internal/capability"
	"github.com/pitabwire/worktrail/internal/config"
	"github.com/pitabwire/worktrail/internal/definition"
	"github.com/pitabwire/worktrail/internal/directory"
	"github.com/pitabwire/worktrail/internal/idempotency"
	"github.com/pitabwire/worktrail/internal/jobs"
	"github.com/pitabwire/worktrail/internal/notify"
	"github.com/pitabwire/worktrail/internal/objects"
	"github.com/pitabwire/worktrail/internal/observability"
	"github.com/pitabwire/worktrail/internal/record"
	"github.com/pitabwire/worktrail/internal/timeline"
	"github.com/pitabwire/worktrail/internal/transport"
	"github.com/pitabwire/worktrail/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "worktraild", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load and validate workflow definitions.
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	definitions := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(definitions.Len()))

	// Step 5: Load the capability policy and implement the workflows.
	policy := capability.New(nil)
	if cfg.Policy.File != "" {
		if policy, err = capability.Load(cfg.Policy.File); err != nil {
			logger.Error("policy loading failed", zap.Error(err))
			return 1
		}
	}
	workflows := workflow.NewRegistry()
	if err := workflows.SetFeatureOptions(workflow.FeatureNotes, capability.NotesOptions(policy)); err != nil {
		logger.Error("configuring notes failed", zap.Error(err))
		return 1
	}
	if err := workflows.ImplementAll(definitions.All()); err != nil {
		logger.Error("implementing workflows failed", zap.Error(err))
		return 1
	}

	// Step 6: Load the directory and the object store.
	dir, err := directory.Load(cfg.Directory.File)
	if err != nil {
		logger.Error("directory loading failed", zap.Error(err))
		return 1
	}
	objs := objects.NewMemoryStore()
	if cfg.Objects.SeedFile != "" {
		if err := objs.Seed(cfg.Objects.SeedFile); err != nil {
			logger.Error("object seed failed", zap.Error(err))
			return 1
		}
	}

	// Step 7: Open the record and timeline stores.
	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer stores.close()

	// Step 8: Open the job queue.
	queue, queueCheck, closeQueue, err := openQueue(ctx, cfg.Jobs, logger)
	if err != nil {
		logger.Error("job queue initialization failed", zap.Error(err))
		return 1
	}
	defer closeQueue()

	// Step 9: Install the transition webhook and seal the registry.
	var hook *notify.Webhook
	if cfg.Notify.URL != "" {
		hook = notify.NewWebhook(cfg.Notify, queue, logger, metrics)
		if err := hook.Install(workflows); err != nil {
			logger.Error("installing transition webhook failed", zap.Error(err))
			return 1
		}
	}
	if err := workflows.Seal(); err != nil {
		logger.Error("sealing workflow registry failed", zap.Error(err))
		return 1
	}

	// Step 10: Build the engine and subscribe it to object changes.
	engine, err := workflow.NewEngine(workflow.Deps{
		Registry:      workflows,
		Records:       stores.records,
		Timeline:      stores.timeline,
		Objects:       objs,
		Directory:     dir,
		Jobs:          queue,
		FallbackGroup: cfg.Directory.FallbackGroup,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		logger.Error("engine initialization failed", zap.Error(err))
		return 1
	}
	objs.OnChange(engine.RecordChanged)

	worker := jobs.NewWorker(queue, cfg.Jobs, logger, metrics)
	engine.RegisterJobs(worker)
	if hook != nil {
		hook.RegisterJobs(worker)
	}

	// Step 11: Build the HTTP router.
	secret := cfg.Identity.Secret()
	if secret == "" {
		logger.Error("token signing secret is not set", zap.String("env", cfg.Identity.SecretEnv))
		return 1
	}

	idem, closeIdem, err := openIdempotency(ctx, cfg.Idempotency, cfg.Jobs.AddrEnv, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	defer closeIdem()

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Engine:       engine,
		Objects:      objs,
		Directory:    dir,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, []byte(secret)),
		Idempotency:  idem,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return definitions.Len() > 0 },
			RecordStore:       stores.recordCheck,
			TimelineStore:     stores.timelineCheck,
			JobQueue:          queueCheck,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 12: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		worker.Run(bgCtx)
	}()
	go func() {
		defer bg.Done()
		reloadOnHangup(bgCtx, logger, dir, policy)
	}()

	// Step 13: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("workflows", workflows.WorkTypes()),
		zap.Int("job_workers", cfg.Jobs.Workers),
		zap.Bool("webhook", hook != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the job workers and wait for in-flight jobs.
	bgCancel()
	bg.Wait()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// storeSet bundles the persistence chosen by configuration.
type storeSet struct {
	records       record.Store
	timeline      timeline.Store
	recordCheck   observability.HealthChecker
	timelineCheck observability.HealthChecker
	closers       []func()
}

func (s *storeSet) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores opens the record and timeline stores. The postgres drivers
// share one pool unless the timeline names its own DSN.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storeSet, error) {
	s := &storeSet{}
	pools := map[string]*pgxpool.Pool{}

	pool := func(dsnEnv string) (*pgxpool.Pool, error) {
		if p, ok := pools[dsnEnv]; ok {
			return p, nil
		}
		p, err := openPool(ctx, dsnEnv, cfg.Records)
		if err != nil {
			return nil, err
		}
		pools[dsnEnv] = p
		s.closers = append(s.closers, p.Close)
		return p, nil
	}

	switch cfg.Records.Driver {
	case "memory":
		logger.Info("using in-memory record store")
		s.records = record.NewMemoryStore()
	case "postgres":
		p, err := pool(cfg.Records.DSNEnv)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("record store: %w", err)
		}
		pg := record.NewPgStore(p)
		if err := pg.EnsureSchema(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("record store: %w", err)
		}
		s.records = pg
		s.recordCheck = observability.HealthCheckFunc(pg.Ping)
	default:
		return nil, fmt.Errorf("unsupported record store driver: %q", cfg.Records.Driver)
	}

	switch cfg.Timeline.Driver {
	case "memory":
		logger.Info("using in-memory timeline store")
		s.timeline = timeline.NewMemoryStore()
	case "sqlite":
		sq, err := timeline.OpenSQLite(cfg.Timeline.SQLitePath)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("timeline store: %w", err)
		}
		s.closers = append(s.closers, func() { _ = sq.Close() })
		s.timeline = sq
		s.timelineCheck = observability.HealthCheckFunc(sq.Ping)
	case "postgres":
		dsnEnv := cfg.Timeline.DSNEnv
		if dsnEnv == "" {
			dsnEnv = cfg.Records.DSNEnv
		}
		p, err := pool(dsnEnv)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("timeline store: %w", err)
		}
		pg := timeline.NewPgStore(p)
		s.timeline = pg
		s.timelineCheck = observability.HealthCheckFunc(pg.Ping)
	default:
		s.close()
		return nil, fmt.Errorf("unsupported timeline store driver: %q", cfg.Timeline.Driver)
	}

	return s, nil
}

func openPool(ctx context.Context, dsnEnv string, cfg config.RecordsConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", dsnEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return p, nil
}

// openQueue opens the job queue. Jobs left in flight by a previous process
// are returned to the Redis queue before the workers start.
func openQueue(ctx context.Context, cfg config.JobsConfig, logger *zap.Logger) (jobs.Queue, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory job queue")
		q := jobs.NewMemoryQueue(cfg.Buffer)
		return q, q, func() {}, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("job queue: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("job queue: ping: %w", err)
		}
		q := jobs.NewRedisQueue(client, cfg.QueueKey)
		n, err := q.RequeueInflight(ctx)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("job queue: requeue: %w", err)
		}
		if n > 0 {
			logger.Warn("requeued jobs left in flight", zap.Int("jobs", n))
		}
		return q, q, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported job queue driver: %q", cfg.Driver)
	}
}

// openIdempotency opens the store that replays retried transitions. An
// empty driver disables replay.
func openIdempotency(ctx context.Context, cfg config.IdempotencyConfig, queueAddrEnv string, logger *zap.Logger) (idempotency.Store, func(), error) {
	switch cfg.Driver {
	case "":
		return nil, func() {}, nil
	case "memory":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}, nil
	case "redis":
		env := cfg.AddrEnv
		if env == "" {
			env = queueAddrEnv
		}
		addr := os.Getenv(env)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: %s environment variable not set", env)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency: ping: %w", err)
		}
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

type syncer interface {
	Sync() error
}

// reloadOnHangup re-reads the directory and the policy on SIGHUP.
func reloadOnHangup(ctx context.Context, logger *zap.Logger, dir, policy syncer) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := dir.Sync(); err != nil {
				logger.Error("directory reload failed", zap.Error(err))
			}
			if err := policy.Sync(); err != nil {
				logger.Error("policy reload failed", zap.Error(err))
			}
			logger.Info("reload finished")
		}
	}
}
