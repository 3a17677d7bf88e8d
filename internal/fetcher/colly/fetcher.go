// Package collyfetcher renders pages without JavaScript using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
}

// Waiter throttles renders per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Renderer implements crawler.Renderer with a plain HTTP collector.
type Renderer struct {
	cfg           Config
	waiter        Waiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Renderer. waiter may be nil.
func New(cfg Config, waiter Waiter, logger *zap.Logger) *Renderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Renderer{
		cfg:           cfg,
		waiter:        waiter,
		logger:        logger.Named("static"),
		baseCollector: c,
	}
}

// Open returns a session. Static sessions hold no process, but Close still
// invalidates them.
func (r *Renderer) Open(_ context.Context) (crawler.RenderSession, error) {
	return &session{renderer: r}, nil
}

type session struct {
	renderer *Renderer
	mu       sync.Mutex
	closed   bool
}

func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Render performs a single GET and parses the body.
func (s *session) Render(ctx context.Context, rawURL string, headers http.Header) (*crawler.Page, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, crawler.NewFetchError(rawURL, errors.New("render session closed"))
	}
	return s.renderer.render(ctx, rawURL, headers)
}

func (r *Renderer) render(ctx context.Context, rawURL string, headers http.Header) (*crawler.Page, error) {
	if r.waiter != nil {
		if err := r.waiter.Wait(ctx, rawURL); err != nil {
			return nil, crawler.NewFetchError(rawURL, err)
		}
	}
	var (
		page     crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := r.buildCollector()
	r.configureCollectorHooks(collector, headers, start, &page, &fetchErr)

	if err := r.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		metrics.ObserveRender(rawURL, "error", 0, time.Since(start))
		return nil, crawler.NewFetchError(rawURL, err)
	}
	page.URL = rawURL
	metrics.ObserveRender(rawURL, strconv.Itoa(page.StatusCode), len(page.HTML), page.Duration)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return nil, crawler.NewFetchError(rawURL, fmt.Errorf("parse document: %w", err))
	}
	page.Document = doc
	r.logger.Debug("page fetched",
		zap.String("url", rawURL),
		zap.Int("status", page.StatusCode),
		zap.Duration("duration", page.Duration),
	)
	return &page, nil
}

func (r *Renderer) buildCollector() *colly.Collector {
	collector := r.baseCollector.Clone()
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !r.cfg.RespectRobots
	// Clones share visited-URL storage; chapters may be re-fetched on resume.
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(r.cfg.Timeout)
	return collector
}

func (r *Renderer) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(req *colly.Request) {
		r.copyHeaders(headers, req)
	})

	hooks.OnResponse(func(resp *colly.Response) {
		var respHeaders http.Header
		if resp.Headers != nil {
			respHeaders = resp.Headers.Clone()
		}
		*page = crawler.Page{
			FinalURL:   resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
			Headers:    respHeaders,
			HTML:       append([]byte(nil), resp.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode > 0 {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		*fetchErr = err
	})
}

func (r *Renderer) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (r *Renderer) copyHeaders(headers http.Header, req *colly.Request) {
	for key, values := range headers {
		req.Headers.Del(key)
		for _, v := range values {
			req.Headers.Add(key, v)
		}
	}
	if req.Headers.Get("Accept-Language") == "" && r.cfg.AcceptLanguage != "" {
		req.Headers.Set("Accept-Language", r.cfg.AcceptLanguage)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
