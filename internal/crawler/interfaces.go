package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Renderer opens render sessions. One session is owned by exactly one crawl.
type Renderer interface {
	Open(ctx context.Context) (RenderSession, error)
}

// RenderSession renders pages and must be closed on every exit path.
type RenderSession interface {
	Render(ctx context.Context, url string, headers http.Header) (*Page, error)
	Close() error
}

// WorkStore persists works keyed by canonical source URL.
type WorkStore interface {
	FindWorkBySourceURL(ctx context.Context, sourceURL string) (Work, error)
	UpsertWork(ctx context.Context, work Work) (Work, error)
}

// ChapterStore persists chapters keyed by (work ID, chapter number).
type ChapterStore interface {
	GetChapter(ctx context.Context, workID string, number int) (Chapter, error)
	UpsertChapter(ctx context.Context, chapter Chapter) error
	ListChapters(ctx context.Context, workID string) ([]Chapter, error)
}

// JobStore reads and transitions crawl jobs. ClaimJob, ExtendLease,
// FinishJob, and ReleaseJob are conditional writes: they return false or
// ErrClaimLost when the row is no longer in the expected state.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]CrawlJob, error)
	OldestPendingJob(ctx context.Context) (CrawlJob, error)
	ClaimJob(ctx context.Context, jobID string, claim Claim) (bool, error)
	ExtendLease(ctx context.Context, jobID, owner string, until time.Time) error
	FinishJob(ctx context.Context, jobID, owner string, status JobStatus, errMsg string, at time.Time) error
	ReleaseJob(ctx context.Context, jobID, owner string, at time.Time) error
	RequeueExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store is the persistent-store collaborator.
type Store interface {
	WorkStore
	ChapterStore
	JobStore
	Migrate(ctx context.Context) error
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
