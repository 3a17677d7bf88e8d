// Package cmd defines the novelcrawl command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/app"
	"github.com/JakeFAU/novelcrawl/internal/config"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/dispatcher"
	"github.com/JakeFAU/novelcrawl/internal/ingest"
	"github.com/JakeFAU/novelcrawl/internal/logging"
)

// serviceKeyType is the context key type for the Service.
type serviceKeyType string

const serviceKey serviceKeyType = "service"

// Service is what the commands need from the application. Tests inject a
// fake through newService.
type Service interface {
	Crawl(ctx context.Context, url string, r crawler.ChapterRange) (ingest.Result, error)
	Enqueue(ctx context.Context, sub dispatcher.Submission) (crawler.CrawlJob, error)
	ListJobs(ctx context.Context, status crawler.JobStatus, limit int) ([]crawler.CrawlJob, error)
	Migrate(ctx context.Context) error
	RunWorkers(ctx context.Context)
	Serve(ctx context.Context) error
	Close()
}

// newService is the application factory.
var newService = func(ctx context.Context, cfgPath string) (Service, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, cleanup, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Dir:         cfg.Logging.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("failed to build application", zap.Error(err))
		cleanup()
		return nil, err
	}
	return &service{App: a, cleanup: cleanup}, nil
}

type service struct {
	*app.App
	cleanup func()
}

func (s *service) Close() {
	s.App.Close()
	s.cleanup()
}

// newRootCmd builds the command tree. The returned func closes whatever
// service the command run created, including on error paths where cobra
// skips post-run hooks.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		svc     Service
	)
	cmd := &cobra.Command{
		Use:   "novelcrawl",
		Short: "Crawl web novels into a relational store.",
		Long: `novelcrawl downloads a web novel's metadata and chapters from supported
sites, one chapter at a time, and stores them for later reading. It can crawl
a single URL directly or run as a worker that drains a queue of crawl jobs.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newService(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			svc = s
			cmd.SetContext(context.WithValue(cmd.Context(), serviceKey, s))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json, or toml)")

	cmd.AddCommand(newRunCmd(), newJobsCmd(), newMigrateCmd(), newServeCmd())
	closeFn := func() {
		if svc != nil {
			svc.Close()
			svc = nil
		}
	}
	return cmd, closeFn
}

func resolveService(ctx context.Context) (Service, error) {
	svc, ok := ctx.Value(serviceKey).(Service)
	if !ok || svc == nil {
		return nil, errors.New("application services not initialized")
	}
	return svc, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, closeService := newRootCmd()
	err := root.ExecuteContext(ctx)
	closeService()
	stop()
	if err != nil {
		os.Exit(1)
	}
}
