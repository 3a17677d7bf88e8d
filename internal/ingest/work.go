// Package ingest turns a work URL into a stored Work and its Chapters.
//
// WorkIngestor handles the landing page, ChapterIngestor the per-chapter
// loop, and Crawler drives both for one crawl with a single render session.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/connector"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

// WorkIngestor renders a landing page and upserts the Work it describes.
type WorkIngestor struct {
	works  crawler.WorkStore
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// NewWorkIngestor constructs a WorkIngestor.
func NewWorkIngestor(works crawler.WorkStore, ids crawler.IDGenerator, logger *zap.Logger) *WorkIngestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkIngestor{works: works, ids: ids, logger: logger}
}

// WorkResult is the stored work plus the rendered landing page, which the
// caller reuses for chapter-link extraction.
type WorkResult struct {
	Work    crawler.Work
	Landing *crawler.Page
	Created bool
}

// Ingest renders workURL, extracts metadata, and upserts the work, reusing
// the ID of an existing work with the same source URL. Every error is a
// per-work failure.
func (w *WorkIngestor) Ingest(
	ctx context.Context,
	session crawler.RenderSession,
	conn connector.Connector,
	workURL string,
) (WorkResult, error) {
	logger := w.logger.With(zap.String("connector", conn.Name()), zap.String("url", workURL))

	page, err := session.Render(ctx, workURL, conn.RequestConfig().Headers)
	if err != nil {
		return WorkResult{}, fmt.Errorf("render landing page: %w", err)
	}
	meta := conn.ExtractMetadata(page.Document, workURL)
	if meta.Title == "" || meta.Title == crawler.UnknownTitle {
		logger.Warn("title not found; using fallback", zap.String("title", crawler.UnknownTitle))
		meta.Title = crawler.UnknownTitle
	}
	if meta.Author == "" {
		meta.Author = crawler.UnknownAuthor
	}
	if meta.Slug == "" {
		meta.Slug = connector.LastSegment(workURL)
	}

	existing, err := w.works.FindWorkBySourceURL(ctx, workURL)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, crawler.ErrNotFound):
		id, idErr := w.ids.NewID()
		if idErr != nil {
			return WorkResult{}, fmt.Errorf("new work id: %w", idErr)
		}
		existing = crawler.Work{ID: id}
		created = true
	default:
		return WorkResult{}, fmt.Errorf("find work: %w", err)
	}

	work, err := w.works.UpsertWork(ctx, crawler.Work{
		ID:          existing.ID,
		Title:       meta.Title,
		Author:      meta.Author,
		Description: meta.Description,
		CoverURL:    meta.CoverURL,
		SourceURL:   workURL,
		Status:      meta.Status,
		Language:    meta.Language,
		Category:    meta.Category,
		Slug:        meta.Slug,
		CreatedAt:   existing.CreatedAt,
	})
	if err != nil {
		return WorkResult{}, fmt.Errorf("save work: %w", err)
	}
	logger.Info("work saved",
		zap.String("work_id", work.ID),
		zap.String("title", work.Title),
		zap.String("author", work.Author),
		zap.Bool("created", created),
	)
	return WorkResult{Work: work, Landing: page, Created: created}, nil
}
