package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/clock/system"
	"github.com/JakeFAU/novelcrawl/internal/connector"
	"github.com/JakeFAU/novelcrawl/internal/connector/selector"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
	sha "github.com/JakeFAU/novelcrawl/internal/hash/sha256"
	"github.com/JakeFAU/novelcrawl/internal/id/uuid"
	"github.com/JakeFAU/novelcrawl/internal/ingest"
	pubmemory "github.com/JakeFAU/novelcrawl/internal/publisher/memory"
	"github.com/JakeFAU/novelcrawl/internal/storage/memory"
)

const e2eWorkURL = "https://example.test/series/foo"

// siteRenderer serves a fixed site from memory.
type siteRenderer struct {
	mu      sync.Mutex
	pages   map[string]string
	renders []string
}

func (r *siteRenderer) Open(context.Context) (crawler.RenderSession, error) {
	return r, nil
}

func (r *siteRenderer) Render(_ context.Context, rawURL string, _ http.Header) (*crawler.Page, error) {
	r.mu.Lock()
	r.renders = append(r.renders, rawURL)
	html, ok := r.pages[rawURL]
	r.mu.Unlock()
	if !ok {
		return nil, crawler.NewFetchError(rawURL, errors.New("unexpected status 404"))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return &crawler.Page{URL: rawURL, FinalURL: rawURL, StatusCode: http.StatusOK, HTML: []byte(html), Document: doc}, nil
}

func (r *siteRenderer) Close() error { return nil }

// newSite lists chapters newest first, as many novel sites do.
func newSite(total int) *siteRenderer {
	var landing strings.Builder
	landing.WriteString(`<html><body><h1>Foo</h1><p class="author">Author: A. Writer</p><ul class="chapters">`)
	pages := map[string]string{}
	for n := total; n >= 1; n-- {
		fmt.Fprintf(&landing, `<li><a href="/series/foo/chapter-%d">Chapter %d</a></li>`, n, n)
		pages[fmt.Sprintf("%s/chapter-%d", e2eWorkURL, n)] = fmt.Sprintf(
			`<html><body><h1 class="chapter">Chapter %d</h1><div class="content"><p>%s</p></div></body></html>`,
			n, strings.Repeat(fmt.Sprintf("Text of chapter %d. ", n), 10))
	}
	landing.WriteString(`</ul></body></html>`)
	pages[e2eWorkURL] = landing.String()
	return &siteRenderer{pages: pages}
}

func TestWorkerCrawlsRequestedRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	conn, err := selector.New(selector.Config{
		Name:  "example",
		Hosts: []string{"example.test"},
		Selectors: selector.Selectors{
			Title:          "h1",
			Author:         "p.author",
			ChapterList:    []string{"ul.chapters a"},
			ChapterTitle:   "h1.chapter",
			ChapterContent: ".content",
		},
	})
	require.NoError(t, err)
	registry, err := connector.NewRegistry(conn)
	require.NoError(t, err)

	store := memory.NewStore()
	site := newSite(20)
	logger := zap.NewNop()
	crawl := ingest.NewCrawler(
		registry,
		site,
		ingest.NewWorkIngestor(store, uuid.New(), logger),
		ingest.NewChapterIngestor(store, nil, sha.New(), uuid.New(), ingest.ChapterConfig{}, logger),
		logger,
	)

	start, end := 10, 12
	require.NoError(t, store.CreateJob(ctx, crawler.CrawlJob{
		ID: "job-1", URL: e2eWorkURL, StartChapter: &start, EndChapter: &end,
	}))

	pub := pubmemory.New()
	w, err := New(store, crawl, pub, system.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)),
		Config{Owner: "e2e"}, logger)
	require.NoError(t, err)

	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	require.Equal(t,
		[]crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusProcessing, crawler.JobStatusCompleted},
		store.History("job-1"))

	work, err := store.FindWorkBySourceURL(ctx, e2eWorkURL)
	require.NoError(t, err)
	require.Equal(t, "Foo", work.Title)
	require.Equal(t, "A. Writer", work.Author)

	chapters, err := store.ListChapters(ctx, work.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 3)
	for i, ch := range chapters {
		require.Equal(t, 10+i, ch.Number)
		require.Equal(t, fmt.Sprintf("Chapter %d", ch.Number), ch.Title)
		require.Contains(t, ch.Content, fmt.Sprintf("Text of chapter %d.", ch.Number))
		require.NotEmpty(t, ch.ContentHash)
	}

	require.Equal(t, []string{
		e2eWorkURL,
		e2eWorkURL + "/chapter-10",
		e2eWorkURL + "/chapter-11",
		e2eWorkURL + "/chapter-12",
	}, site.renders)
	require.Equal(t, []string{EventJobCompleted}, pub.Events())
}
