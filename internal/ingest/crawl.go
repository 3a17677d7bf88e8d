package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/chapterorder"
	"github.com/JakeFAU/novelcrawl/internal/connector"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/logging"
)

// Resolver finds the connector that owns a URL.
type Resolver interface {
	Resolve(rawURL string) (connector.Connector, error)
}

// Result summarizes one crawl.
type Result struct {
	Work      crawler.Work
	Connector string
	Stats     crawler.IngestStats
}

// Crawler processes one work end to end.
type Crawler struct {
	resolver Resolver
	renderer crawler.Renderer
	works    *WorkIngestor
	chapters *ChapterIngestor
	logger   *zap.Logger
}

// NewCrawler constructs a Crawler.
func NewCrawler(
	resolver Resolver,
	renderer crawler.Renderer,
	works *WorkIngestor,
	chapters *ChapterIngestor,
	logger *zap.Logger,
) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		resolver: resolver,
		renderer: renderer,
		works:    works,
		chapters: chapters,
		logger:   logger,
	}
}

// Process crawls workURL within r. It owns one render session for the
// whole crawl and closes it on every path. heartbeat may be nil.
func (c *Crawler) Process(ctx context.Context, workURL string, r crawler.ChapterRange, heartbeat Heartbeat) (Result, error) {
	logger := c.logger.With(zap.String("url", workURL))

	conn, err := c.resolver.Resolve(workURL)
	if err != nil {
		var unresolved *crawler.UnresolvedConnectorError
		if errors.As(err, &unresolved) {
			logger.Error("no connector for url", zap.Strings("available", unresolved.Available))
		}
		return Result{}, err
	}
	logger = logger.With(zap.String("connector", conn.Name()))
	logger.Info("crawl started", zap.Stringer("capabilities", conn.Capabilities()))

	session, err := c.renderer.Open(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("open render session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("close render session", zap.Error(cerr))
		}
	}()

	wr, err := c.works.Ingest(ctx, session, conn, workURL)
	if err != nil {
		return Result{}, fmt.Errorf("ingest work: %w", err)
	}
	result := Result{Work: wr.Work, Connector: conn.Name()}

	links, err := c.chapterLinks(ctx, session, conn, wr, r, logger)
	if err != nil {
		return result, err
	}
	if len(links) == 0 {
		logger.Warn("no chapters found")
		return result, nil
	}

	stats, err := c.chapters.Ingest(ctx, session, conn, wr.Work, links, heartbeat)
	result.Stats = stats
	if err != nil {
		return result, fmt.Errorf("ingest chapters: %w", err)
	}
	logging.Success(logger, "crawl finished",
		zap.String("work_id", wr.Work.ID),
		zap.Int("stored", stats.Stored),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Int("short", stats.Short),
	)
	return result, nil
}

// chapterLinks picks range mode when both bounds are set and the connector
// can generate links; otherwise it scrapes the chapter list and filters.
func (c *Crawler) chapterLinks(
	ctx context.Context,
	session crawler.RenderSession,
	conn connector.Connector,
	wr WorkResult,
	r crawler.ChapterRange,
	logger *zap.Logger,
) ([]crawler.ChapterLink, error) {
	workURL := wr.Work.SourceURL
	if r.Bounded() {
		if gen, ok := connector.AsRangeGenerator(conn); ok {
			links := gen.GenerateRangeLinks(workURL, *r.Start, *r.End)
			logger.Info("range mode", zap.Int("start", *r.Start), zap.Int("end", *r.End), zap.Int("links", len(links)))
			return chapterorder.Normalize(links), nil
		}
		logger.Warn("connector cannot generate range links; scraping and filtering instead")
	}

	doc := wr.Landing.Document
	if res, ok := connector.AsChapterListResolver(conn); ok {
		if listURL, ok := res.ResolveChapterListURL(workURL); ok {
			page, err := session.Render(ctx, listURL, conn.RequestConfig().Headers)
			switch {
			case err == nil:
				doc = page.Document
			case ctx.Err() != nil:
				return nil, fmt.Errorf("render chapter list: %w", err)
			default:
				logger.Warn("chapter list page failed; using landing page",
					zap.String("list_url", listURL), zap.Error(err))
			}
		}
	}

	raw := conn.ExtractChapterLinks(doc, workURL)
	if order := chapterorder.Direction(raw); order == chapterorder.Mixed {
		logger.Warn("chapter listing is neither ascending nor descending; only the endpoints decide ordering",
			zap.Int("links", len(raw)))
	}
	links := chapterorder.FilterRange(chapterorder.Normalize(raw), r)
	logger.Info("chapter links extracted", zap.Int("found", len(raw)), zap.Int("selected", len(links)))
	return links, nil
}
