// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/api"
	"github.com/JakeFAU/autopublisher/internal/auth"
	"github.com/JakeFAU/autopublisher/internal/clock/system"
	"github.com/JakeFAU/autopublisher/internal/config"
	"github.com/JakeFAU/autopublisher/internal/dispatcher"
	"github.com/JakeFAU/autopublisher/internal/fetcher"
	collyfetcher "github.com/JakeFAU/autopublisher/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/autopublisher/internal/fetcher/headless"
	"github.com/JakeFAU/autopublisher/internal/gap"
	"github.com/JakeFAU/autopublisher/internal/generator/gemini"
	templategen "github.com/JakeFAU/autopublisher/internal/generator/template"
	"github.com/JakeFAU/autopublisher/internal/hash/sha256"
	"github.com/JakeFAU/autopublisher/internal/headless/detector"
	"github.com/JakeFAU/autopublisher/internal/id/uuid"
	"github.com/JakeFAU/autopublisher/internal/linker"
	"github.com/JakeFAU/autopublisher/internal/logging"
	"github.com/JakeFAU/autopublisher/internal/metrics"
	"github.com/JakeFAU/autopublisher/internal/pipeline"
	"github.com/JakeFAU/autopublisher/internal/policy/ratelimit"
	"github.com/JakeFAU/autopublisher/internal/profile"
	"github.com/JakeFAU/autopublisher/internal/progress"
	progresssinks "github.com/JakeFAU/autopublisher/internal/progress/sinks"
	"github.com/JakeFAU/autopublisher/internal/publishing"
	queueMemory "github.com/JakeFAU/autopublisher/internal/queue/memory"
	"github.com/JakeFAU/autopublisher/internal/quota"
	"github.com/JakeFAU/autopublisher/internal/research"
	"github.com/JakeFAU/autopublisher/internal/research/tavily"
	"github.com/JakeFAU/autopublisher/internal/retry"
	"github.com/JakeFAU/autopublisher/internal/rotation"
	"github.com/JakeFAU/autopublisher/internal/runstate"
	"github.com/JakeFAU/autopublisher/internal/sitepub/wordpress"
	gcsstorage "github.com/JakeFAU/autopublisher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/autopublisher/internal/storage/local"
	memoryStorage "github.com/JakeFAU/autopublisher/internal/storage/memory"
	pgstore "github.com/JakeFAU/autopublisher/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	handler     http.Handler
	dispatch    *dispatcher.Dispatcher
	coordinator *pipeline.Coordinator
	progressHub *progress.Hub
	queue       *queueMemory.Queue
	pool        *pgxpool.Pool
	pubsub      *pubsub.Client
	topic       *pubsub.Topic
	closers     []io.Closer
	headless    *headlessfetcher.Renderer
}

// repositories groups the backend-specific stores.
type repositories struct {
	profiles publishing.ProfileRepository
	quota    publishing.QuotaRepository
	cursors  publishing.CursorRepository
	runs     publishing.RunRepository
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Runs.Workers))
		a.dispatch.Run(ctx)
	}()

	if a.cfg.Runs.ResumeOnStart {
		if n, err := a.coordinator.Resume(ctx); err != nil {
			a.logger.Warn("resume of unfinished runs incomplete", zap.Int("queued", n), zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.topic != nil {
		a.topic.Stop()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

// NewLogger builds the process logger from config and installs it globally.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	logger, err := logging.Build(logging.Options{
		Development: cfg.Development,
		Level:       cfg.Level,
		File:        cfg.File,
		MaxSizeMB:   cfg.MaxSizeMB,
		MaxBackups:  cfg.MaxBackups,
		MaxAgeDays:  cfg.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("generator", cfg.Generator.Provider),
		zap.String("research", cfg.Research.Provider),
	)

	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	repos, err := setupRepositories(ctx, app)
	if err != nil {
		return nil, err
	}
	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app, reg)
	if err != nil {
		return nil, err
	}
	collab, err := setupCollaborators(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	profileIDs, runIDs := uuid.New("prof"), uuid.New("run")
	base, maxDelay := cfg.RetryDelays()

	profiles := profile.New(repos.profiles, clock, profileIDs)
	runs := runstate.New(repos.runs, clock, emitter, logger.Named("runstate"))
	app.queue = queueMemory.NewQueue(cfg.Runs.QueueDepth)
	app.dispatch = dispatcher.New(app.queue, cfg.Runs.Workers, logger.Named("dispatcher"))

	deps := pipeline.Deps{
		Profiles: profiles,
		Runs:     runs,
		Quota:    quota.NewTracker(repos.quota, cfg.Quota.DailyCap, cfg.Location(), logger.Named("quota")),
		Rotator:  rotation.New(repos.cursors, clock),
		Gaps:     gap.New(clock, clock),
		Retrier: retry.New(retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   base,
			MaxDelay:    maxDelay,
		}, clock, logger.Named("retry")),
		Queue:      app.dispatch,
		Clock:      clock,
		IDs:        runIDs,
		Logger:     logger.Named("pipeline"),
		CancelPoll: cfg.CancelPoll(),
		Lease:      cfg.Lease(),
		Instance:   cfg.Runs.InstanceID,
	}
	if archive != nil {
		deps.Archive = archive
		deps.Hasher = sha256.NewShort(16)
	}
	app.coordinator = pipeline.New(deps, collab)

	app.dispatch.Bind(app.coordinator)

	var authSvc *auth.Service
	if cfg.Auth.Enabled {
		authSvc = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer,
			time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
	}
	apiDeps := api.Deps{
		Runs:     app.coordinator,
		Profiles: profiles,
		Auth:     authSvc,
		Logger:   logger.Named("api"),
	}
	if app.pool != nil {
		apiDeps.Ready = app.pool.Ping
	}
	app.apiServer = api.NewServer(apiDeps)
	app.handler = app.apiServer.Handler()

	ok = true
	return app, nil
}

func setupRepositories(ctx context.Context, app *App) (repositories, error) {
	if app.cfg.Storage.Backend != "postgres" {
		app.logger.Warn("using in-memory repositories; runs and quota do not survive restarts")
		return repositories{
			profiles: memoryStorage.NewProfileStore(),
			quota:    memoryStorage.NewQuotaStore(),
			cursors:  memoryStorage.NewCursorStore(),
			runs:     memoryStorage.NewRunStore(),
		}, nil
	}
	pool, err := OpenDatabase(ctx, app.cfg.DB)
	if err != nil {
		return repositories{}, err
	}
	app.pool = pool
	if app.cfg.DB.MigrateOnStart {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return repositories{}, fmt.Errorf("migrate: %w", err)
		}
		app.logger.Info("database schema applied")
	}
	app.logger.Info("postgres repositories initialized")
	return repositories{
		profiles: pgstore.NewProfileStore(pool),
		quota:    pgstore.NewQuotaStore(pool),
		cursors:  pgstore.NewCursorStore(pool),
		runs:     pgstore.NewRunStore(pool),
	}, nil
}

// OpenDatabase connects the Postgres pool described by cfg.
func OpenDatabase(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: time.Duration(cfg.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	return pool, nil
}

func setupArchive(ctx context.Context, app *App) (publishing.BlobStore, error) {
	switch app.cfg.Archive.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: app.cfg.Archive.GCSBucket,
			Prefix: app.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		app.closers = append(app.closers, store)
		app.logger.Info("archiving drafts to GCS", zap.String("bucket", app.cfg.Archive.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		app.logger.Info("archiving drafts locally", zap.String("path", app.cfg.Archive.BaseDir))
		return store, nil
	case "memory":
		app.logger.Info("archiving drafts in memory")
		return memoryStorage.NewBlobStore(), nil
	default:
		app.logger.Info("draft archive disabled")
		return nil, nil
	}
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	sinkList := []progress.Sink{progresssinks.NewLogSink(app.logger.Named("progress_log"))}

	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if app.cfg.PubSub.Enabled {
		app.pubsub, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.topic = app.pubsub.Topic(app.cfg.PubSub.TopicName)
		sinkList = append(sinkList, progresssinks.NewPubSubSink(app.topic, app.logger.Named("progress_pubsub")))
		app.logger.Info("Pub/Sub progress sink initialized",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.TopicName),
		)
	}

	pc := app.cfg.Progress
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   time.Duration(pc.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(pc.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupCollaborators(ctx context.Context, app *App) (pipeline.Collaborators, error) {
	cfg := app.cfg
	clock := system.New()

	primary := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		Timeout:       time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		RespectRobots: cfg.Fetch.RespectRobots,
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
	})
	opts := []fetcher.Option{
		fetcher.WithLimiter(ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.RPS, Burst: cfg.Fetch.Burst})),
	}
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed; continuing without promotion", zap.Error(err))
		} else {
			app.headless = hf
			opts = append(opts, fetcher.WithHeadless(hf,
				detector.NewHeuristic(cfg.Headless.PromotionThresh, cfg.Headless.MinTextBytes)))
			app.logger.Info("headless promotion enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}
	collab := pipeline.Collaborators{
		Fetcher: fetcher.NewDetail(fetcher.Config{URLTemplate: cfg.Fetch.URLTemplate}, primary, clock,
			app.logger.Named("fetcher"), opts...),
		Linker: linker.New(linker.Config{TagPath: cfg.Linker.TagPath, MaxTagLinks: cfg.Linker.MaxTagLinks}),
		Publisher: wordpress.New(wordpress.Config{
			PostStatus: cfg.Publisher.PostStatus,
			Timeout:    time.Duration(cfg.Publisher.TimeoutSeconds) * time.Second,
			UserAgent:  cfg.Publisher.UserAgent,
		}, ratelimit.New(ratelimit.Config{RPS: cfg.Publisher.RPS, Burst: cfg.Publisher.Burst}), app.logger.Named("wordpress")),
	}

	switch cfg.Research.Provider {
	case "tavily":
		collab.Research = tavily.New(tavily.Config{
			APIKey:     cfg.Research.APIKey,
			MaxResults: cfg.Research.MaxResults,
			Topic:      cfg.Research.Topic,
		}, ratelimit.New(ratelimit.Config{RPS: cfg.Research.RPS, Burst: 1}), app.logger.Named("tavily"))
	default:
		collab.Research = research.Nop{}
	}

	switch cfg.Generator.Provider {
	case "gemini":
		gen, err := gemini.New(ctx, gemini.Config{
			APIKey:      cfg.Generator.APIKey,
			Model:       cfg.Generator.Model,
			Temperature: cfg.Generator.Temperature,
		}, app.logger.Named("gemini"))
		if err != nil {
			return pipeline.Collaborators{}, fmt.Errorf("gemini init failed: %w", err)
		}
		app.closers = append(app.closers, gen)
		collab.Generator = gen
	default:
		collab.Generator = templategen.New()
	}
	return collab, nil
}
