// Package postgres provides the Postgres-backed crawler store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool pool
	now  func() time.Time
}

var _ crawler.Store = (*Store)(nil)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, now: utcNow}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, now func() time.Time) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if now == nil {
		now = utcNow
	}
	return &Store{pool: p, now: now}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the schema when absent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// FindWorkBySourceURL returns crawler.ErrNotFound when no work matches.
func (s *Store) FindWorkBySourceURL(ctx context.Context, sourceURL string) (crawler.Work, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workColumns+` FROM works WHERE source_url = $1`, sourceURL)
	w, err := scanWork(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Work{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Work{}, fmt.Errorf("find work by source url: %w", err)
	}
	return w, nil
}

// UpsertWork inserts or updates the work keyed by ID.
func (s *Store) UpsertWork(ctx context.Context, work crawler.Work) (crawler.Work, error) {
	now := s.now()
	const query = `
INSERT INTO works (
	id, title, author, description, cover_url, source_url,
	status, language, category, slug, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	author = EXCLUDED.author,
	description = EXCLUDED.description,
	cover_url = EXCLUDED.cover_url,
	source_url = EXCLUDED.source_url,
	status = EXCLUDED.status,
	language = EXCLUDED.language,
	category = EXCLUDED.category,
	slug = EXCLUDED.slug,
	updated_at = EXCLUDED.updated_at
RETURNING created_at, updated_at`
	err := s.pool.QueryRow(ctx, query,
		work.ID, work.Title, work.Author, work.Description, work.CoverURL, work.SourceURL,
		work.Status, work.Language, work.Category, work.Slug, now,
	).Scan(&work.CreatedAt, &work.UpdatedAt)
	if err != nil {
		return crawler.Work{}, crawler.NewPersistenceError("upsert work", err)
	}
	return work, nil
}

// GetChapter returns crawler.ErrNotFound when the chapter is absent.
func (s *Store) GetChapter(ctx context.Context, workID string, number int) (crawler.Chapter, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE work_id = $1 AND chapter_number = $2`,
		workID, number)
	ch, err := scanChapter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Chapter{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Chapter{}, fmt.Errorf("get chapter: %w", err)
	}
	return ch, nil
}

// UpsertChapter inserts or replaces the chapter at (work_id, chapter_number).
func (s *Store) UpsertChapter(ctx context.Context, ch crawler.Chapter) error {
	now := s.now()
	const query = `
INSERT INTO chapters (
	id, work_id, title, chapter_number, content, source_url, content_hash, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
ON CONFLICT (work_id, chapter_number) DO UPDATE SET
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	source_url = EXCLUDED.source_url,
	content_hash = EXCLUDED.content_hash,
	updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query,
		ch.ID, ch.WorkID, ch.Title, ch.Number, ch.Content, ch.SourceURL, ch.ContentHash, now,
	); err != nil {
		return crawler.NewPersistenceError("upsert chapter", err)
	}
	return nil
}

// ListChapters returns a work's chapters ordered by number.
func (s *Store) ListChapters(ctx context.Context, workID string) ([]crawler.Chapter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE work_id = $1 ORDER BY chapter_number`, workID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()
	var out []crawler.Chapter
	for rows.Next() {
		ch, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	return out, nil
}

// CreateJob inserts a job. An empty status defaults to pending.
func (s *Store) CreateJob(ctx context.Context, job crawler.CrawlJob) error {
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	const query = `
INSERT INTO crawl_jobs (
	id, url, start_chapter, end_chapter, requested_by, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`
	if _, err := s.pool.Exec(ctx, query,
		job.ID, job.URL, job.StartChapter, job.EndChapter, job.RequestedBy, string(job.Status), job.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first. An empty status matches all jobs and a
// non-positive limit means no limit.
func (s *Store) ListJobs(ctx context.Context, status crawler.JobStatus, limit int) ([]crawler.CrawlJob, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM crawl_jobs
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2`, string(status), lim)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []crawler.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// OldestPendingJob returns the earliest-created pending job.
func (s *Store) OldestPendingJob(ctx context.Context) (crawler.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("oldest pending job: %w", err)
	}
	return job, nil
}

// ClaimJob moves a pending job to processing. Exactly one affected row is the
// claim signal.
func (s *Store) ClaimJob(ctx context.Context, jobID string, claim crawler.Claim) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs SET
	status = 'processing',
	claimed_by = $2,
	lease_expires_at = $3,
	started_at = COALESCE(started_at, $4),
	updated_at = $4
WHERE id = $1 AND status = 'pending'`, jobID, claim.Owner, claim.LeaseUntil, claim.At)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExtendLease pushes the lease of a job owned by owner.
func (s *Store) ExtendLease(ctx context.Context, jobID, owner string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs SET lease_expires_at = $3
WHERE id = $1 AND status = 'processing' AND claimed_by = $2`, jobID, owner, until)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return ownedResult(jobID, tag)
}

// FinishJob moves an owned processing job to a terminal status.
func (s *Store) FinishJob(
	ctx context.Context,
	jobID, owner string,
	status crawler.JobStatus,
	errMsg string,
	at time.Time,
) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job with %s: %w", status, crawler.ErrInvalidTransition)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs SET
	status = $3,
	error_message = $4,
	lease_expires_at = NULL,
	finished_at = $5,
	updated_at = $5
WHERE id = $1 AND status = 'processing' AND claimed_by = $2`, jobID, owner, string(status), errMsg, at)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return ownedResult(jobID, tag)
}

// ReleaseJob hands an owned processing job back to pending.
func (s *Store) ReleaseJob(ctx context.Context, jobID, owner string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs SET
	status = 'pending',
	claimed_by = '',
	lease_expires_at = NULL,
	updated_at = $3
WHERE id = $1 AND status = 'processing' AND claimed_by = $2`, jobID, owner, at)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return ownedResult(jobID, tag)
}

// RequeueExpired returns processing jobs whose lease ended before now to
// pending.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs SET
	status = 'pending',
	claimed_by = '',
	lease_expires_at = NULL,
	updated_at = $1
WHERE status = 'processing' AND lease_expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func ownedResult(jobID string, tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrClaimLost)
	}
	return nil
}

const (
	workColumns = `id, title, author, description, cover_url, source_url,
	status, language, category, slug, created_at, updated_at`
	chapterColumns = `id, work_id, title, chapter_number, content, source_url,
	content_hash, created_at, updated_at`
	jobColumns = `id, url, start_chapter, end_chapter, requested_by, status,
	error_message, claimed_by, lease_expires_at, created_at, updated_at,
	started_at, finished_at`
)

func scanWork(row pgx.Row) (crawler.Work, error) {
	var w crawler.Work
	err := row.Scan(&w.ID, &w.Title, &w.Author, &w.Description, &w.CoverURL, &w.SourceURL,
		&w.Status, &w.Language, &w.Category, &w.Slug, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func scanChapter(row pgx.Row) (crawler.Chapter, error) {
	var c crawler.Chapter
	err := row.Scan(&c.ID, &c.WorkID, &c.Title, &c.Number, &c.Content, &c.SourceURL,
		&c.ContentHash, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanJob(row pgx.Row) (crawler.CrawlJob, error) {
	var (
		j      crawler.CrawlJob
		status string
	)
	err := row.Scan(&j.ID, &j.URL, &j.StartChapter, &j.EndChapter, &j.RequestedBy, &status,
		&j.ErrorMessage, &j.ClaimedBy, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.FinishedAt)
	j.Status = crawler.JobStatus(status)
	return j, err
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS works (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	cover_url TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	slug TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS chapters (
	id TEXT PRIMARY KEY,
	work_id TEXT NOT NULL REFERENCES works(id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	chapter_number INTEGER NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (work_id, chapter_number)
)`,
	`CREATE TABLE IF NOT EXISTS crawl_jobs (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	start_chapter INTEGER,
	end_chapter INTEGER,
	requested_by TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	error_message TEXT NOT NULL DEFAULT '',
	claimed_by TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS crawl_jobs_status_created_idx ON crawl_jobs (status, created_at)`,
}
