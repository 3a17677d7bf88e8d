// Package sqlite provides a single-file crawler store for local runs.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

//go:embed schema.sql
var schema string

// Config selects the database file. ":memory:" keeps everything in process.
type Config struct {
	Path string
}

// Store implements crawler.Store on SQLite.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ crawler.Store = (*Store)(nil)

// Open opens (and creates if needed) the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store.path is required")
	}
	if !inMemory(cfg.Path) {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}
	db, err := sqlx.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON"}
	if !inMemory(cfg.Path) {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db, now: utcNow}, nil
}

// NewWithDB wraps an existing handle (primarily for testing).
func NewWithDB(db *sqlx.DB, now func() time.Time) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if now == nil {
		now = utcNow
	}
	return &Store{db: db, now: now}, nil
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory") || strings.HasPrefix(path, "file::memory:")
}

func utcNow() time.Time { return time.Now().UTC() }

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Migrate creates the schema when absent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
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

// FindWorkBySourceURL returns crawler.ErrNotFound when no work matches.
func (s *Store) FindWorkBySourceURL(ctx context.Context, sourceURL string) (crawler.Work, error) {
	var w crawler.Work
	err := s.db.GetContext(ctx, &w, `SELECT `+workColumns+` FROM works WHERE source_url = ?`, sourceURL)
	if errors.Is(err, sql.ErrNoRows) {
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	title = excluded.title,
	author = excluded.author,
	description = excluded.description,
	cover_url = excluded.cover_url,
	source_url = excluded.source_url,
	status = excluded.status,
	language = excluded.language,
	category = excluded.category,
	slug = excluded.slug,
	updated_at = excluded.updated_at
RETURNING created_at, updated_at`
	err := s.db.QueryRowxContext(ctx, query,
		work.ID, work.Title, work.Author, work.Description, work.CoverURL, work.SourceURL,
		work.Status, work.Language, work.Category, work.Slug, now, now,
	).Scan(&work.CreatedAt, &work.UpdatedAt)
	if err != nil {
		return crawler.Work{}, crawler.NewPersistenceError("upsert work", err)
	}
	return work, nil
}

// GetChapter returns crawler.ErrNotFound when the chapter is absent.
func (s *Store) GetChapter(ctx context.Context, workID string, number int) (crawler.Chapter, error) {
	var ch crawler.Chapter
	err := s.db.GetContext(ctx, &ch,
		`SELECT `+chapterColumns+` FROM chapters WHERE work_id = ? AND chapter_number = ?`,
		workID, number)
	if errors.Is(err, sql.ErrNoRows) {
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (work_id, chapter_number) DO UPDATE SET
	title = excluded.title,
	content = excluded.content,
	source_url = excluded.source_url,
	content_hash = excluded.content_hash,
	updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query,
		ch.ID, ch.WorkID, ch.Title, ch.Number, ch.Content, ch.SourceURL, ch.ContentHash, now, now,
	); err != nil {
		return crawler.NewPersistenceError("upsert chapter", err)
	}
	return nil
}

// ListChapters returns a work's chapters ordered by number.
func (s *Store) ListChapters(ctx context.Context, workID string) ([]crawler.Chapter, error) {
	var out []crawler.Chapter
	if err := s.db.SelectContext(ctx, &out,
		`SELECT `+chapterColumns+` FROM chapters WHERE work_id = ? ORDER BY chapter_number`, workID,
	); err != nil {
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
	created := job.CreatedAt.UTC()
	const query = `
INSERT INTO crawl_jobs (
	id, url, start_chapter, end_chapter, requested_by, status, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		job.ID, job.URL, job.StartChapter, job.EndChapter, job.RequestedBy, string(job.Status), created, created,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	var job crawler.CrawlJob
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
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
	if limit <= 0 {
		limit = -1
	}
	var out []crawler.CrawlJob
	if err := s.db.SelectContext(ctx, &out, `SELECT `+jobColumns+` FROM crawl_jobs
WHERE (? = '' OR status = ?)
ORDER BY created_at DESC, id DESC
LIMIT ?`, string(status), string(status), limit); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// OldestPendingJob returns the earliest-created pending job.
func (s *Store) OldestPendingJob(ctx context.Context) (crawler.CrawlJob, error) {
	var job crawler.CrawlJob
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM crawl_jobs
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
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
	at := claim.At.UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE crawl_jobs SET
	status = 'processing',
	claimed_by = ?,
	lease_expires_at = ?,
	started_at = COALESCE(started_at, ?),
	updated_at = ?
WHERE id = ? AND status = 'pending'`, claim.Owner, claim.LeaseUntil.UTC(), at, at, jobID)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return n == 1, nil
}

// ExtendLease pushes the lease of a job owned by owner.
func (s *Store) ExtendLease(ctx context.Context, jobID, owner string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE crawl_jobs SET lease_expires_at = ?
WHERE id = ? AND status = 'processing' AND claimed_by = ?`, until.UTC(), jobID, owner)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return ownedResult(jobID, res)
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
	at = at.UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE crawl_jobs SET
	status = ?,
	error_message = ?,
	lease_expires_at = NULL,
	finished_at = ?,
	updated_at = ?
WHERE id = ? AND status = 'processing' AND claimed_by = ?`, string(status), errMsg, at, at, jobID, owner)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return ownedResult(jobID, res)
}

// ReleaseJob hands an owned processing job back to pending.
func (s *Store) ReleaseJob(ctx context.Context, jobID, owner string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE crawl_jobs SET
	status = 'pending',
	claimed_by = '',
	lease_expires_at = NULL,
	updated_at = ?
WHERE id = ? AND status = 'processing' AND claimed_by = ?`, at.UTC(), jobID, owner)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return ownedResult(jobID, res)
}

// RequeueExpired returns processing jobs whose lease ended before now to
// pending.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE crawl_jobs SET
	status = 'pending',
	claimed_by = '',
	lease_expires_at = NULL,
	updated_at = ?
WHERE status = 'processing' AND lease_expires_at < ?`, now, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return n, nil
}

func ownedResult(jobID string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrClaimLost)
	}
	return nil
}
