// Package app builds the service's long-lived dependencies from configuration
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/api"
	"github.com/JakeFAU/novelcrawl/internal/clock/system"
	"github.com/JakeFAU/novelcrawl/internal/config"
	"github.com/JakeFAU/novelcrawl/internal/connector"
	"github.com/JakeFAU/novelcrawl/internal/connector/selector"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/novelcrawl/internal/fetcher/colly"
	"github.com/JakeFAU/novelcrawl/internal/fetcher/headless"
	"github.com/JakeFAU/novelcrawl/internal/hash/sha256"
	"github.com/JakeFAU/novelcrawl/internal/id/uuid"
	"github.com/JakeFAU/novelcrawl/internal/ingest"
	"github.com/JakeFAU/novelcrawl/internal/metrics"
	"github.com/JakeFAU/novelcrawl/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/novelcrawl/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/novelcrawl/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/novelcrawl/internal/storage/gcs"
	localstorage "github.com/JakeFAU/novelcrawl/internal/storage/local"
	memorystorage "github.com/JakeFAU/novelcrawl/internal/storage/memory"
	pgstore "github.com/JakeFAU/novelcrawl/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/novelcrawl/internal/storage/sqlite"
	"github.com/JakeFAU/novelcrawl/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     crawler.Store
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	renderer  crawler.Renderer
	registry  *connector.Registry
	pipeline  *ingest.Crawler
	dispatch  *dispatcher.Dispatcher
	closers   []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// Options overrides dependencies Build would otherwise construct. Tests use
// it to inject a renderer or store.
type Options struct {
	Store    crawler.Store
	Renderer crawler.Renderer
}

// Build creates the application's dependencies. On error everything built
// so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	a.logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Driver),
		zap.String("renderer", cfg.Renderer.Mode),
		zap.String("blob", cfg.Blob.Driver),
		zap.String("events", cfg.Events.Driver),
	)

	if a.store = opts.Store; a.store == nil {
		if a.store, err = a.setupStore(ctx); err != nil {
			return nil, err
		}
	}
	if a.blobs, err = a.setupBlobStore(ctx); err != nil {
		return nil, err
	}
	if a.publisher, err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if a.renderer = opts.Renderer; a.renderer == nil {
		if a.renderer, err = a.setupRenderer(); err != nil {
			return nil, err
		}
	}
	if a.registry, err = buildRegistry(cfg.Connectors); err != nil {
		return nil, err
	}
	a.logger.Info("connectors registered", zap.Strings("names", a.registry.Names()))

	ids := uuid.New()
	a.pipeline = ingest.NewCrawler(
		a.registry,
		a.renderer,
		ingest.NewWorkIngestor(a.store, ids, logger.Named("work")),
		ingest.NewChapterIngestor(a.store, a.blobs, sha256.New(), ids, ingest.ChapterConfig{
			MinContentLength: cfg.Crawl.MinContentLength,
			Delay:            cfg.Crawl.ChapterDelay,
			SnapshotPrefix:   cfg.Crawl.SnapshotPrefix,
		}, logger.Named("chapters")),
		logger.Named("crawl"),
	)

	if a.dispatch, err = a.setupDispatcher(ids); err != nil {
		return nil, err
	}
	return a, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the persistent store.
func (a *App) Store() crawler.Store { return a.store }

// Dispatcher returns the job dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Registry returns the connector registry.
func (a *App) Registry() *connector.Registry { return a.registry }

// Crawl processes one work immediately, outside the job queue.
func (a *App) Crawl(ctx context.Context, url string, r crawler.ChapterRange) (ingest.Result, error) {
	normalized, err := crawler.NormalizeURL(url)
	if err != nil {
		return ingest.Result{}, fmt.Errorf("normalize url: %w", err)
	}
	result, err := a.pipeline.Process(ctx, normalized, r, nil)
	if err != nil {
		return result, fmt.Errorf("crawl %s: %w", normalized, err)
	}
	return result, nil
}

// Enqueue records a pending crawl job.
func (a *App) Enqueue(ctx context.Context, sub dispatcher.Submission) (crawler.CrawlJob, error) {
	return a.dispatch.Enqueue(ctx, sub)
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (a *App) ListJobs(ctx context.Context, status crawler.JobStatus, limit int) ([]crawler.CrawlJob, error) {
	jobs, err := a.store.ListJobs(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Migrate applies the store schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// RunWorkers runs the worker pool and reaper until SIGINT, SIGTERM, or ctx
// cancellation.
func (a *App) RunWorkers(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.dispatch.Run(ctx)
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return api.NewServer(a.store, a.dispatch, a.logger.Named("api")).Handler()
}

// Serve runs the HTTP API together with the worker pool until a signal or
// ctx cancellation.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-done

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application.
func (a *App) Close() {
	a.closeAll()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", nc.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) track(name string, c io.Closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

func (a *App) setupStore(ctx context.Context) (crawler.Store, error) {
	cfg := a.cfg.Store
	switch cfg.Driver {
	case config.StorePostgres:
		s, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.track("postgres", s)
		a.logger.Info("using postgres store")
		return s, nil
	case config.StoreSQLite:
		s, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.track("sqlite", s)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("sqlite migrate failed: %w", err)
		}
		a.logger.Info("using sqlite store", zap.String("path", cfg.DSN))
		return s, nil
	default:
		a.logger.Warn("using in-memory store; data is lost on exit")
		return memorystorage.NewStore(), nil
	}
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	cfg := a.cfg.Blob
	switch cfg.Driver {
	case config.BlobGCS:
		bs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.track("gcs", bs)
		a.logger.Info("using GCS snapshot store", zap.String("bucket", cfg.GCS.Bucket))
		return bs, nil
	case config.BlobLocal:
		bs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot store", zap.String("path", cfg.Local.BaseDir))
		return bs, nil
	case config.DriverMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("raw snapshots disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.cfg.Events
	switch cfg.Driver {
	case config.EventsPubSub:
		p, err := gcppublisher.Open(ctx, gcppublisher.Config{ProjectID: cfg.ProjectID, TopicID: cfg.TopicID})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.track("pubsub", p)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.TopicID),
		)
		return p, nil
	case config.DriverMemory:
		return memorypublisher.New(), nil
	default:
		a.logger.Debug("job events disabled")
		return nil, nil
	}
}

func (a *App) setupRenderer() (crawler.Renderer, error) {
	cfg := a.cfg.Renderer
	var waiter *ratelimit.Limiter
	if cfg.DomainQPS > 0 {
		waiter = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.DomainQPS, DefaultBurst: cfg.DomainBurst})
	}
	if cfg.Mode == config.RendererStatic {
		a.logger.Info("using static renderer", zap.String("user_agent", cfg.UserAgent))
		var w collyfetcher.Waiter
		if waiter != nil {
			w = waiter
		}
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:      cfg.UserAgent,
			AcceptLanguage: cfg.AcceptLanguage,
			RespectRobots:  cfg.RespectRobots,
			Timeout:        cfg.Timeout,
		}, w, a.logger), nil
	}
	var w headless.Waiter
	if waiter != nil {
		w = waiter
	}
	r, err := headless.New(headless.Config{
		MaxParallel:    cfg.MaxParallel,
		UserAgent:      cfg.UserAgent,
		AcceptLanguage: cfg.AcceptLanguage,
		Timeout:        cfg.Timeout,
		Settle:         cfg.Settle,
		ExecPath:       cfg.ExecPath,
		NoSandbox:      cfg.NoSandbox,
	}, w, a.logger)
	if err != nil {
		return nil, fmt.Errorf("headless renderer init failed: %w", err)
	}
	a.logger.Info("using headless renderer", zap.Int("max_parallel", cfg.MaxParallel))
	return r, nil
}

func (a *App) setupDispatcher(ids crawler.IDGenerator) (*dispatcher.Dispatcher, error) {
	clock := system.New()
	owner := a.cfg.OwnerID()
	workers := make([]*worker.Worker, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		name := owner
		if a.cfg.Worker.Concurrency > 1 {
			name = fmt.Sprintf("%s-%d", owner, i+1)
		}
		w, err := worker.New(a.store, a.pipeline, a.publisher, clock, worker.Config{
			Owner:         name,
			IdlePoll:      a.cfg.Worker.IdlePoll,
			PostJobDelay:  a.cfg.Worker.PostJobDelay,
			LeaseDuration: a.cfg.Worker.LeaseDuration,
		}, a.logger.Named("worker"))
		if err != nil {
			return nil, fmt.Errorf("worker init failed: %w", err)
		}
		workers = append(workers, w)
	}
	reaper, err := worker.NewReaper(a.store, clock, a.cfg.Worker.ReapSchedule, a.logger)
	if err != nil {
		return nil, fmt.Errorf("reaper init failed: %w", err)
	}
	a.logger.Info("worker pool configured",
		zap.Int("workers", len(workers)),
		zap.String("owner", owner),
		zap.Duration("lease", a.cfg.Worker.LeaseDuration),
	)
	return dispatcher.New(a.store, ids, clock, workers, reaper, a.logger.Named("dispatcher")), nil
}

func buildRegistry(cfgs []selector.Config) (*connector.Registry, error) {
	registry, err := connector.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("connector registry: %w", err)
	}
	for _, c := range cfgs {
		conn, err := selector.New(c)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", c.Name, err)
		}
		if err := registry.Register(conn); err != nil {
			return nil, fmt.Errorf("register connector %s: %w", c.Name, err)
		}
	}
	return registry, nil
}
