package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/novelcrawl/internal/connector"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

const workURL = "https://example.test/series/foo/"

type fakeConnector struct {
	caps  connector.Capability
	delay time.Duration
}

func (f *fakeConnector) Name() string { return "fake" }

func (f *fakeConnector) OwnsURL(rawURL string) bool {
	return strings.HasPrefix(rawURL, "https://example.test/")
}

func (f *fakeConnector) ExtractMetadata(doc *goquery.Document, _ string) crawler.Metadata {
	title := strings.TrimSpace(doc.Find("h1.title").Text())
	if title == "" {
		title = crawler.UnknownTitle
	}
	return crawler.Metadata{Title: title, Author: strings.TrimSpace(doc.Find(".author").Text())}
}

func (f *fakeConnector) ExtractChapterLinks(doc *goquery.Document, _ string) []crawler.ChapterLink {
	var out []crawler.ChapterLink
	doc.Find("ul.chapters a").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		n, _ := strconv.Atoi(s.AttrOr("data-n", "0"))
		out = append(out, crawler.ChapterLink{Link: href, Title: s.Text(), Number: n})
	})
	return out
}

func (f *fakeConnector) RequestConfig() connector.RequestConfig {
	return connector.RequestConfig{
		Headers:                http.Header{"User-Agent": []string{"novelcrawl-test"}},
		DelayBetweenChapters:   f.delay,
		ChapterContentSelector: ".content",
		ChapterTitleSelector:   "h1.chapter-title",
	}
}

func (f *fakeConnector) Capabilities() connector.Capability { return f.caps }

func (f *fakeConnector) GenerateRangeLinks(_ string, start, end int) []crawler.ChapterLink {
	var out []crawler.ChapterLink
	for n := start; n <= end; n++ {
		out = append(out, crawler.ChapterLink{Link: chapterURL(n), Title: fmt.Sprintf("Chapter %d", n), Number: n})
	}
	return out
}

func (f *fakeConnector) ResolveChapterListURL(u string) (string, bool) {
	return u + "chapters", true
}

func (f *fakeConnector) CleanupDocument(doc *goquery.Document) {
	doc.Find(".promo").Remove()
}

func chapterURL(n int) string {
	return fmt.Sprintf("%schapter-%d", workURL, n)
}

// fakeRenderer serves canned HTML per URL and records every render.
type fakeRenderer struct {
	mu      sync.Mutex
	pages   map[string]string
	errs    map[string]error
	renders []string
	opens   int
	closes  int
	openErr error
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{pages: map[string]string{}, errs: map[string]error{}}
}

func (r *fakeRenderer) Open(context.Context) (crawler.RenderSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return nil, r.openErr
	}
	r.opens++
	return &fakeSession{r: r}, nil
}

func (r *fakeRenderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.renders...)
}

func (r *fakeRenderer) reset() {
	r.mu.Lock()
	r.renders = nil
	r.mu.Unlock()
}

type fakeSession struct {
	r      *fakeRenderer
	closed bool
}

func (s *fakeSession) Render(ctx context.Context, rawURL string, _ http.Header) (*crawler.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, crawler.NewFetchError(rawURL, err)
	}
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.closed {
		return nil, crawler.NewFetchError(rawURL, errors.New("session closed"))
	}
	s.r.renders = append(s.r.renders, rawURL)
	if err, ok := s.r.errs[rawURL]; ok {
		return nil, crawler.NewFetchError(rawURL, err)
	}
	html, ok := s.r.pages[rawURL]
	if !ok {
		return nil, crawler.NewFetchError(rawURL, errors.New("unexpected status 404"))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return &crawler.Page{URL: rawURL, FinalURL: rawURL, StatusCode: 200, HTML: []byte(html), Document: doc}, nil
}

func (s *fakeSession) Close() error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.r.closes++
	}
	return nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n), nil
}

// landingHTML lists chapters from..to in the given order.
func landingHTML(numbers ...int) string {
	var b strings.Builder
	b.WriteString(`<html><body><h1 class="title">Foo</h1><span class="author">A. Writer</span><ul class="chapters">`)
	for _, n := range numbers {
		fmt.Fprintf(&b, `<li><a href="chapter-%d" data-n="%d">Chapter %d</a></li>`, n, n, n)
	}
	b.WriteString(`</ul></body></html>`)
	return b.String()
}

func chapterHTML(n int, body string) string {
	return fmt.Sprintf(`<html><body><h1 class="chapter-title">Chapter %d: Title</h1>
<div class="content"><script>track()</script><p>%s</p><div class="promo">read more</div></div></body></html>`, n, body)
}

func longText(n int) string {
	return fmt.Sprintf("Chapter %d body. ", n) + strings.Repeat("The road went on and on. ", 8)
}

func descending(from, to int) []int {
	var out []int
	for n := from; n >= to; n-- {
		out = append(out, n)
	}
	return out
}
