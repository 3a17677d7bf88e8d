// Package dispatcher runs the worker pool and the lease reaper, and turns
// crawl requests into pending jobs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/worker"
)

// ErrInvalidSubmission marks requests rejected before a job is created.
var ErrInvalidSubmission = errors.New("invalid job submission")

// Submission is a request to crawl one work.
type Submission struct {
	URL         string
	Start       *int
	End         *int
	RequestedBy string
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	jobs    crawler.JobStore
	ids     crawler.IDGenerator
	clock   crawler.Clock
	workers []*worker.Worker
	reaper  *worker.Reaper
	logger  *zap.Logger
}

// New creates a Dispatcher. reaper may be nil.
func New(
	jobs crawler.JobStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	workers []*worker.Worker,
	reaper *worker.Reaper,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		jobs:    jobs,
		ids:     ids,
		clock:   clock,
		workers: workers,
		reaper:  reaper,
		logger:  logger,
	}
}

// Run starts all workers and the reaper and blocks until ctx is done and
// every goroutine has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.reaper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.reaper.Run(ctx); err != nil {
				d.logger.Error("reaper stopped", zap.Error(err))
			}
		}()
	}
	d.logger.Info("dispatcher running", zap.Int("workers", len(d.workers)), zap.Bool("reaper", d.reaper != nil))
	<-ctx.Done()
	wg.Wait()
}

// Enqueue validates s and stores a pending job for it.
func (d *Dispatcher) Enqueue(ctx context.Context, s Submission) (crawler.CrawlJob, error) {
	normalized, err := validate(s)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	id, err := d.ids.NewID()
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("new job id: %w", err)
	}
	now := d.clock.Now()
	job := crawler.CrawlJob{
		ID:           id,
		URL:          normalized,
		StartChapter: s.Start,
		EndChapter:   s.End,
		RequestedBy:  s.RequestedBy,
		Status:       crawler.JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("create job: %w", err)
	}
	d.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("requested_by", job.RequestedBy),
	)
	return job, nil
}

func validate(s Submission) (string, error) {
	if s.URL == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidSubmission)
	}
	normalized, err := crawler.NormalizeURL(s.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	u, _ := url.Parse(normalized)
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be absolute http(s)", ErrInvalidSubmission)
	}
	if s.Start != nil && *s.Start < 0 {
		return "", fmt.Errorf("%w: start must be >= 0", ErrInvalidSubmission)
	}
	if s.End != nil && *s.End < 0 {
		return "", fmt.Errorf("%w: end must be >= 0", ErrInvalidSubmission)
	}
	if s.Start != nil && s.End != nil && *s.Start > *s.End {
		return "", fmt.Errorf("%w: start %d is after end %d", ErrInvalidSubmission, *s.Start, *s.End)
	}
	return normalized, nil
}
