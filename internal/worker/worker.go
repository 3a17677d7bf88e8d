// Package worker runs the job-queue orchestrator: it claims pending crawl
// jobs, processes them, and records their terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/ingest"
	"github.com/JakeFAU/novelcrawl/internal/metrics"
)

// Defaults for Config.
const (
	DefaultIdlePoll      = 10 * time.Second
	DefaultPostJobDelay  = 2 * time.Second
	DefaultLeaseDuration = 5 * time.Minute
	releaseTimeout       = 10 * time.Second
)

// Event names published on terminal transitions.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Processor crawls one work. *ingest.Crawler satisfies it.
type Processor interface {
	Process(ctx context.Context, url string, r crawler.ChapterRange, hb ingest.Heartbeat) (ingest.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// Owner is written to claimed jobs and checked on every later write.
	Owner         string
	IdlePoll      time.Duration
	PostJobDelay  time.Duration
	LeaseDuration time.Duration
}

// JobEvent is the payload of job.completed and job.failed.
type JobEvent struct {
	JobID      string              `json:"job_id"`
	URL        string              `json:"url"`
	Status     crawler.JobStatus   `json:"status"`
	Error      string              `json:"error,omitempty"`
	WorkID     string              `json:"work_id,omitempty"`
	Connector  string              `json:"connector,omitempty"`
	Stats      crawler.IngestStats `json:"stats"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Worker claims and executes jobs one at a time.
type Worker struct {
	jobs      crawler.JobStore
	processor Processor
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil.
func New(
	jobs crawler.JobStore,
	processor Processor,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if jobs == nil || processor == nil || clock == nil {
		return nil, errors.New("job store, processor, and clock are required")
	}
	if cfg.Owner == "" {
		return nil, errors.New("worker owner is required")
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultIdlePoll
	}
	if cfg.PostJobDelay < 0 {
		cfg.PostJobDelay = 0
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		jobs:      jobs,
		processor: processor,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("owner", cfg.Owner)),
	}, nil
}

// Run loops until ctx is done. Per-job errors never stop the loop.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		zap.Duration("idle_poll", w.cfg.IdlePoll),
		zap.Duration("lease", w.cfg.LeaseDuration),
	)
	defer w.logger.Info("worker stopped")
	for {
		processed, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("worker cycle failed", zap.Error(err))
		}
		delay := w.cfg.IdlePoll
		if processed {
			delay = w.cfg.PostJobDelay
		}
		if !wait(ctx, delay) {
			return
		}
	}
}

// RunOnce claims the oldest pending job and processes it. It reports whether
// a job was processed; losing the claim race counts as no job.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.OldestPendingJob(ctx)
	if errors.Is(err, crawler.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find pending job: %w", err)
	}

	now := w.clock.Now()
	claimed, err := w.jobs.ClaimJob(ctx, job.ID, crawler.Claim{
		Owner:      w.cfg.Owner,
		At:         now,
		LeaseUntil: now.Add(w.cfg.LeaseDuration),
	})
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if !claimed {
		w.logger.Debug("job claimed by another worker", zap.String("job_id", job.ID))
		return false, nil
	}

	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job crawler.CrawlJob) {
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	logger.Info("job claimed")
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	heartbeat := func(hbCtx context.Context) error {
		return w.jobs.ExtendLease(hbCtx, job.ID, w.cfg.Owner, w.clock.Now().Add(w.cfg.LeaseDuration))
	}
	result, procErr := w.processor.Process(ctx, job.URL, job.Range(), heartbeat)

	if ctx.Err() != nil {
		w.release(ctx, job, logger)
		return
	}
	if errors.Is(procErr, crawler.ErrClaimLost) {
		logger.Warn("claim lost during processing; abandoning job", zap.Error(procErr))
		return
	}

	status := crawler.JobStatusCompleted
	errMsg := ""
	if procErr != nil {
		status = crawler.JobStatusFailed
		errMsg = procErr.Error()
	}
	finishedAt := w.clock.Now()
	if err := w.jobs.FinishJob(ctx, job.ID, w.cfg.Owner, status, errMsg, finishedAt); err != nil {
		if errors.Is(err, crawler.ErrClaimLost) {
			logger.Warn("claim lost before terminal write", zap.String("status", string(status)))
		} else {
			logger.Error("terminal status write failed", zap.String("status", string(status)), zap.Error(err))
		}
		return
	}
	metrics.ObserveJob(string(status))
	if procErr != nil {
		logger.Error("job failed", zap.Error(procErr))
	} else {
		logger.Info("job completed",
			zap.String("work_id", result.Work.ID),
			zap.Int("stored", result.Stats.Stored),
			zap.Int("skipped", result.Stats.Skipped),
			zap.Int("failed", result.Stats.Failed),
		)
	}
	w.publish(ctx, JobEvent{
		JobID:      job.ID,
		URL:        job.URL,
		Status:     status,
		Error:      errMsg,
		WorkID:     result.Work.ID,
		Connector:  result.Connector,
		Stats:      result.Stats,
		FinishedAt: finishedAt,
	}, logger)
}

// release hands the job back to pending after cancellation so another
// worker can resume it.
func (w *Worker) release(ctx context.Context, job crawler.CrawlJob, logger *zap.Logger) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := w.jobs.ReleaseJob(relCtx, job.ID, w.cfg.Owner, w.clock.Now()); err != nil {
		logger.Warn("release after cancellation failed; lease expiry will requeue", zap.Error(err))
		return
	}
	logger.Info("job released after cancellation")
}

func (w *Worker) publish(ctx context.Context, ev JobEvent, logger *zap.Logger) {
	if w.publisher == nil {
		return
	}
	name := EventJobCompleted
	if ev.Status == crawler.JobStatusFailed {
		name = EventJobFailed
	}
	id, err := w.publisher.Publish(ctx, name, ev)
	if err != nil {
		logger.Warn("publish job event failed", zap.String("event", name), zap.Error(err))
		return
	}
	logger.Debug("job event published", zap.String("event", name), zap.String("message_id", id))
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
