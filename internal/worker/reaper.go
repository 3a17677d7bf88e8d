package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/metrics"
)

// DefaultReapSchedule sweeps expired leases every minute.
const DefaultReapSchedule = "@every 1m"

// Reaper returns processing jobs with expired leases to pending on a cron
// schedule.
type Reaper struct {
	jobs     crawler.JobStore
	clock    crawler.Clock
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
}

// NewReaper validates schedule (standard five-field or @descriptor syntax).
func NewReaper(jobs crawler.JobStore, clock crawler.Clock, schedule string, logger *zap.Logger) (*Reaper, error) {
	if jobs == nil || clock == nil {
		return nil, errors.New("job store and clock are required")
	}
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("parse reap schedule %q: %w", schedule, err)
	}
	r := &Reaper{
		jobs:     jobs,
		clock:    clock,
		schedule: schedule,
		logger:   logger.Named("reaper"),
	}
	r.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return r, nil
}

// Sweep requeues expired jobs once.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	n, err := r.jobs.RequeueExpired(ctx, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	metrics.ObserveRequeued(n)
	if n > 0 {
		r.logger.Warn("requeued jobs with expired leases", zap.Int64("count", n))
	}
	return n, nil
}

// Run sweeps once immediately, then on schedule until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("lease sweep failed", zap.Error(err))
	}
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("lease sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reaper started", zap.String("schedule", r.schedule))
	<-ctx.Done()
	<-r.cron.Stop().Done()
	return nil
}
