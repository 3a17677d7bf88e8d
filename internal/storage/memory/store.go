// Package memory provides in-process implementations of the crawler stores
// for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

type chapterKey struct {
	workID string
	number int
}

// Store implements crawler.Store in memory. It also records every job status
// a job passes through.
type Store struct {
	mu       sync.RWMutex
	works    map[string]crawler.Work
	bySource map[string]string
	chapters map[chapterKey]crawler.Chapter
	jobs     map[string]crawler.CrawlJob
	history  map[string][]crawler.JobStatus
	now      func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		works:    make(map[string]crawler.Work),
		bySource: make(map[string]string),
		chapters: make(map[chapterKey]crawler.Chapter),
		jobs:     make(map[string]crawler.CrawlJob),
		history:  make(map[string][]crawler.JobStatus),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Migrate is a no-op.
func (s *Store) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// FindWorkBySourceURL returns crawler.ErrNotFound when no work matches.
func (s *Store) FindWorkBySourceURL(_ context.Context, sourceURL string) (crawler.Work, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySource[sourceURL]
	if !ok {
		return crawler.Work{}, crawler.ErrNotFound
	}
	return s.works[id], nil
}

// UpsertWork inserts or replaces a work by ID. Source URLs stay unique.
func (s *Store) UpsertWork(_ context.Context, work crawler.Work) (crawler.Work, error) {
	if work.ID == "" || work.SourceURL == "" {
		return crawler.Work{}, crawler.NewPersistenceError("upsert work", fmt.Errorf("id and source url are required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.bySource[work.SourceURL]; ok && owner != work.ID {
		return crawler.Work{}, crawler.NewPersistenceError("upsert work",
			fmt.Errorf("source url %s already belongs to work %s", work.SourceURL, owner))
	}
	now := s.now()
	if existing, ok := s.works[work.ID]; ok {
		work.CreatedAt = existing.CreatedAt
		if existing.SourceURL != work.SourceURL {
			delete(s.bySource, existing.SourceURL)
		}
	} else if work.CreatedAt.IsZero() {
		work.CreatedAt = now
	}
	work.UpdatedAt = now
	s.works[work.ID] = work
	s.bySource[work.SourceURL] = work.ID
	return work, nil
}

// GetChapter returns crawler.ErrNotFound when the chapter is absent.
func (s *Store) GetChapter(_ context.Context, workID string, number int) (crawler.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.chapters[chapterKey{workID, number}]
	if !ok {
		return crawler.Chapter{}, crawler.ErrNotFound
	}
	return ch, nil
}

// UpsertChapter inserts or replaces the chapter at (WorkID, Number). The
// stored ID and creation time survive replacement.
func (s *Store) UpsertChapter(_ context.Context, ch crawler.Chapter) error {
	if ch.WorkID == "" {
		return crawler.NewPersistenceError("upsert chapter", fmt.Errorf("work id is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.works[ch.WorkID]; !ok {
		return crawler.NewPersistenceError("upsert chapter", fmt.Errorf("work %s does not exist", ch.WorkID))
	}
	key := chapterKey{ch.WorkID, ch.Number}
	now := s.now()
	if existing, ok := s.chapters[key]; ok {
		ch.ID = existing.ID
		ch.CreatedAt = existing.CreatedAt
	} else if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	ch.UpdatedAt = now
	s.chapters[key] = ch
	return nil
}

// ListChapters returns a work's chapters ordered by number.
func (s *Store) ListChapters(_ context.Context, workID string) ([]crawler.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Chapter
	for key, ch := range s.chapters {
		if key.workID == workID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// CreateJob stores a new job. An empty status defaults to pending.
func (s *Store) CreateJob(_ context.Context, job crawler.CrawlJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = job
	s.history[job.ID] = []crawler.JobStatus{job.Status}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrNotFound
	}
	return job, nil
}

// ListJobs returns jobs newest first. An empty status matches all jobs and a
// non-positive limit means no limit.
func (s *Store) ListJobs(_ context.Context, status crawler.JobStatus, limit int) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawlJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OldestPendingJob returns the earliest-created pending job.
func (s *Store) OldestPendingJob(_ context.Context) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		oldest crawler.CrawlJob
		found  bool
	)
	for _, job := range s.jobs {
		if job.Status != crawler.JobStatusPending {
			continue
		}
		if !found || job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && job.ID < oldest.ID) {
			oldest, found = job, true
		}
	}
	if !found {
		return crawler.CrawlJob{}, crawler.ErrNotFound
	}
	return oldest, nil
}

// ClaimJob moves a pending job to processing. It reports false when the job
// is missing or no longer pending.
func (s *Store) ClaimJob(_ context.Context, jobID string, claim crawler.Claim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != crawler.JobStatusPending {
		return false, nil
	}
	job.Status = crawler.JobStatusProcessing
	job.ClaimedBy = claim.Owner
	lease := claim.LeaseUntil
	job.LeaseExpiresAt = &lease
	if job.StartedAt == nil {
		at := claim.At
		job.StartedAt = &at
	}
	job.UpdatedAt = claim.At
	s.put(job)
	return true, nil
}

// ExtendLease pushes the lease of a job owned by owner.
func (s *Store) ExtendLease(_ context.Context, jobID, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.owned(jobID, owner)
	if err != nil {
		return err
	}
	job.LeaseExpiresAt = &until
	s.jobs[jobID] = job
	return nil
}

// FinishJob moves an owned processing job to a terminal status.
func (s *Store) FinishJob(
	_ context.Context,
	jobID, owner string,
	status crawler.JobStatus,
	errMsg string,
	at time.Time,
) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job with %s: %w", status, crawler.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.owned(jobID, owner)
	if err != nil {
		return err
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.LeaseExpiresAt = nil
	job.FinishedAt = &at
	job.UpdatedAt = at
	s.put(job)
	return nil
}

// ReleaseJob hands an owned processing job back to pending.
func (s *Store) ReleaseJob(_ context.Context, jobID, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.owned(jobID, owner)
	if err != nil {
		return err
	}
	requeue(&job, at)
	s.put(job)
	return nil
}

// RequeueExpired returns processing jobs whose lease ended before now to
// pending.
func (s *Store) RequeueExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.Status != crawler.JobStatusProcessing || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		requeue(&job, now)
		s.put(job)
		n++
	}
	return n, nil
}

// History lists the statuses a job has passed through, oldest first.
func (s *Store) History(jobID string) []crawler.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.JobStatus(nil), s.history[jobID]...)
}

func (s *Store) owned(jobID, owner string) (crawler.CrawlJob, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrNotFound
	}
	if job.Status != crawler.JobStatusProcessing || job.ClaimedBy != owner {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrClaimLost)
	}
	return job, nil
}

// put stores job and appends its status to the history when it changed.
func (s *Store) put(job crawler.CrawlJob) {
	hist := s.history[job.ID]
	if len(hist) == 0 || hist[len(hist)-1] != job.Status {
		s.history[job.ID] = append(hist, job.Status)
	}
	s.jobs[job.ID] = job
}

func requeue(job *crawler.CrawlJob, at time.Time) {
	job.Status = crawler.JobStatusPending
	job.ClaimedBy = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = at
}
