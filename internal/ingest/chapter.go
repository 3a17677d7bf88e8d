package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/connector"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/logging"
	"github.com/JakeFAU/novelcrawl/internal/metrics"
	"github.com/JakeFAU/novelcrawl/internal/sanitize"
)

// Chapter outcomes recorded in metrics.
const (
	outcomeStored  = "stored"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
	outcomeShort   = "short"
)

// Heartbeat is called after every chapter. Returning crawler.ErrClaimLost
// stops the loop; other errors are logged.
type Heartbeat func(ctx context.Context) error

// ChapterConfig tunes the chapter loop.
type ChapterConfig struct {
	// MinContentLength defaults to crawler.DefaultMinContentLength.
	MinContentLength int
	// Delay is the pause before each chapter render when the connector
	// declares none. Zero means no pause.
	Delay time.Duration
	// SnapshotPrefix prefixes raw snapshot paths in the blob store.
	SnapshotPrefix string
}

// ChapterIngestor fetches, sanitizes, and stores chapters one at a time.
type ChapterIngestor struct {
	chapters crawler.ChapterStore
	blobs    crawler.BlobStore
	hasher   crawler.Hasher
	ids      crawler.IDGenerator
	cfg      ChapterConfig
	logger   *zap.Logger
	wait     func(ctx context.Context, d time.Duration) error
}

// NewChapterIngestor constructs a ChapterIngestor. blobs may be nil to skip
// raw snapshots.
func NewChapterIngestor(
	chapters crawler.ChapterStore,
	blobs crawler.BlobStore,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	cfg ChapterConfig,
	logger *zap.Logger,
) *ChapterIngestor {
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = crawler.DefaultMinContentLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChapterIngestor{
		chapters: chapters,
		blobs:    blobs,
		hasher:   hasher,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
		wait:     sleep,
	}
}

// Ingest walks links in order. Per-chapter failures are logged and counted;
// only cancellation or a lost claim returns an error.
func (c *ChapterIngestor) Ingest(
	ctx context.Context,
	session crawler.RenderSession,
	conn connector.Connector,
	work crawler.Work,
	links []crawler.ChapterLink,
	heartbeat Heartbeat,
) (crawler.IngestStats, error) {
	stats := crawler.IngestStats{Total: len(links)}
	rc := conn.RequestConfig()
	delay := rc.DelayBetweenChapters
	if delay <= 0 {
		delay = c.cfg.Delay
	}
	logger := c.logger.With(zap.String("work_id", work.ID), zap.String("connector", conn.Name()))
	logger.Info("ingesting chapters", zap.Int("total", len(links)), zap.Duration("delay", delay))

	for i, link := range links {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("chapter loop: %w", err)
		}
		number := link.Number
		if number <= 0 {
			number = i + 1
		}
		chapterURL := connector.AbsoluteURL(work.SourceURL, link.Link)
		chLogger := logger.With(zap.Int("chapter", number), zap.String("url", chapterURL))

		outcome, err := c.ingestOne(ctx, session, conn, rc, work, link, number, chapterURL, delay, chLogger)
		if err != nil && ctx.Err() != nil {
			return stats, fmt.Errorf("chapter %d: %w", number, ctx.Err())
		}
		metrics.ObserveChapter(conn.Name(), outcome)
		switch outcome {
		case outcomeSkipped:
			stats.Skipped++
		case outcomeFailed:
			stats.Failed++
		case outcomeShort:
			stats.Short++
			stats.Stored++
		default:
			stats.Stored++
		}

		if heartbeat != nil {
			if err := heartbeat(ctx); err != nil {
				if errors.Is(err, crawler.ErrClaimLost) {
					return stats, fmt.Errorf("heartbeat: %w", err)
				}
				chLogger.Warn("heartbeat failed", zap.Error(err))
			}
		}
		pct := (i + 1) * 100 / len(links)
		if outcome == outcomeFailed {
			chLogger.Error(fmt.Sprintf("[%d%%] [%d/%d] chapter failed", pct, i+1, len(links)), zap.Error(err))
			continue
		}
		logging.Success(chLogger, fmt.Sprintf("[%d%%] [%d/%d] chapter %s", pct, i+1, len(links), outcome))
	}
	return stats, nil
}

func (c *ChapterIngestor) ingestOne(
	ctx context.Context,
	session crawler.RenderSession,
	conn connector.Connector,
	rc connector.RequestConfig,
	work crawler.Work,
	link crawler.ChapterLink,
	number int,
	chapterURL string,
	delay time.Duration,
	logger *zap.Logger,
) (string, error) {
	existing, err := c.chapters.GetChapter(ctx, work.ID, number)
	switch {
	case err == nil:
		if existing.Complete(c.cfg.MinContentLength) {
			return outcomeSkipped, nil
		}
		logger.Info("stored chapter is incomplete; re-fetching", zap.Int("length", existing.Length()))
	case errors.Is(err, crawler.ErrNotFound):
		existing = crawler.Chapter{}
	default:
		return outcomeFailed, fmt.Errorf("look up chapter: %w", err)
	}

	if err := c.wait(ctx, delay); err != nil {
		return outcomeFailed, err
	}
	page, err := session.Render(ctx, chapterURL, rc.Headers)
	if err != nil {
		return outcomeFailed, err
	}

	title := chapterTitle(page, rc.ChapterTitleSelector, link.Title, number)
	if cleaner, ok := connector.AsDocumentCleaner(conn); ok {
		cleaner.CleanupDocument(page.Document)
	}
	content := sanitize.Sanitize(page.Document, rc.ChapterContentSelector)

	outcome := outcomeStored
	if length := crawler.ContentLength(content); length < c.cfg.MinContentLength {
		short := &crawler.ContentTooShortError{Number: number, Length: length, Min: c.cfg.MinContentLength}
		logger.Warn("chapter content is short; storing anyway", zap.Error(short))
		outcome = outcomeShort
	}

	hash, err := c.hasher.Hash([]byte(content))
	if err != nil {
		return outcomeFailed, fmt.Errorf("hash content: %w", err)
	}
	c.snapshot(ctx, work.ID, number, hash, page.HTML, logger)

	id := existing.ID
	if id == "" {
		if id, err = c.ids.NewID(); err != nil {
			return outcomeFailed, fmt.Errorf("new chapter id: %w", err)
		}
	}
	if err := c.chapters.UpsertChapter(ctx, crawler.Chapter{
		ID:          id,
		WorkID:      work.ID,
		Title:       title,
		Number:      number,
		Content:     content,
		SourceURL:   chapterURL,
		ContentHash: hash,
	}); err != nil {
		return outcomeFailed, err
	}
	return outcome, nil
}

// snapshot archives the raw page. Failures never fail the chapter.
func (c *ChapterIngestor) snapshot(ctx context.Context, workID string, number int, hash string, raw []byte, logger *zap.Logger) {
	if c.blobs == nil || len(raw) == 0 {
		return
	}
	path := SnapshotPath(c.cfg.SnapshotPrefix, workID, number, hash)
	uri, err := c.blobs.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(raw))
	if err != nil {
		logger.Warn("raw snapshot failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("raw snapshot stored", zap.String("uri", uri))
}

// SnapshotPath returns <prefix>/<workID>/<n>-<hash>.html.
func SnapshotPath(prefix, workID string, number int, hash string) string {
	name := fmt.Sprintf("%s/%d-%s.html", workID, number, hash)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		return prefix + "/" + name
	}
	return name
}

func chapterTitle(page *crawler.Page, selector, linkTitle string, number int) string {
	if selector != "" && page.Document != nil {
		if t := strings.TrimSpace(page.Document.Find(selector).First().Text()); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(linkTitle); t != "" {
		return t
	}
	return fmt.Sprintf("Chapter %d", number)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("chapter delay: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
