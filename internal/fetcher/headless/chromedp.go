// Package headless renders pages in headless Chrome via chromedp.
package headless

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
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/metrics"
)

const (
	defaultTimeout = 60 * time.Second
	defaultSettle  = 3 * time.Second
)

// Waiter throttles renders per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the behavior of the headless renderer.
type Config struct {
	// MaxParallel caps concurrent renders across all sessions. Zero means
	// unlimited.
	MaxParallel    int
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
	// Settle is the pause after DOM ready for late scripts.
	Settle         time.Duration
	ExecPath       string
	NoSandbox      bool
}

// Renderer implements crawler.Renderer. Each Open starts a dedicated browser
// process owned by the returned session.
type Renderer struct {
	cfg     Config
	limiter chan struct{}
	waiter  Waiter
	logger  *zap.Logger
}

// New creates a headless renderer. waiter may be nil.
func New(cfg Config, waiter Waiter, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Settle < 0 {
		return nil, fmt.Errorf("settle delay must be >= 0")
	}
	if cfg.Settle == 0 {
		cfg.Settle = defaultSettle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Renderer{
		cfg:     cfg,
		limiter: limiter,
		waiter:  waiter,
		logger:  logger.Named("headless"),
	}, nil
}

// Open launches a browser and returns a session bound to it. The caller must
// Close the session on every path.
func (r *Renderer) Open(ctx context.Context) (crawler.RenderSession, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if r.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
	}
	if r.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ExecPath))
	}
	if r.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	// The browser outlives individual calls; ctx only bounds startup.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and ties it to the context it is
	// given, so it must not carry the startup timeout.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-started:
	case <-timer.C:
		err = fmt.Errorf("browser did not start within %s", r.cfg.Timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	r.logger.Debug("browser started")
	return &session{
		renderer:      r,
		browser:       browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type session struct {
	renderer      *Renderer
	browser       context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// Render opens a tab, navigates, waits for the DOM plus the settle delay,
// and returns the rendered document.
func (s *session) Render(ctx context.Context, rawURL string, headers http.Header) (*crawler.Page, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, crawler.NewFetchError(rawURL, errors.New("render session closed"))
	}
	r := s.renderer
	if r.waiter != nil {
		if err := r.waiter.Wait(ctx, rawURL); err != nil {
			return nil, crawler.NewFetchError(rawURL, err)
		}
	}
	if err := r.acquire(ctx); err != nil {
		return nil, crawler.NewFetchError(rawURL, err)
	}
	defer r.release()

	tabCtx, tabCancel := chromedp.NewContext(s.browser)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := r.run(tabCtx, rawURL, r.requestHeaders(headers))
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveRender(rawURL, "error", 0, duration)
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return nil, crawler.NewFetchError(rawURL, err)
	}

	status, respHeaders, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	metrics.ObserveRender(rawURL, strconv.Itoa(status), len(html), duration)
	if status >= http.StatusBadRequest {
		return nil, crawler.NewFetchError(rawURL, fmt.Errorf("unexpected status %d", status))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, crawler.NewFetchError(rawURL, fmt.Errorf("parse document: %w", err))
	}
	if respHeaders == nil {
		respHeaders = http.Header{}
	}
	r.logger.Debug("page rendered",
		zap.String("url", rawURL),
		zap.Int("status", status),
		zap.Duration("duration", duration),
	)
	return &crawler.Page{
		URL:        rawURL,
		FinalURL:   responseURL,
		StatusCode: status,
		Headers:    respHeaders,
		HTML:       []byte(html),
		Document:   doc,
		Duration:   duration,
	}, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.browserCancel()
		s.allocCancel()
		s.renderer.logger.Debug("browser closed")
	})
	return nil
}

func (r *Renderer) run(ctx context.Context, rawURL string, headers http.Header) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		r.networkSetupAction(headers),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

// requestHeaders layers per-connector headers over the configured
// Accept-Language.
func (r *Renderer) requestHeaders(h http.Header) http.Header {
	out := cloneHeader(h)
	if out == nil {
		out = http.Header{}
	}
	if out.Get("Accept-Language") == "" && r.cfg.AcceptLanguage != "" {
		out.Set("Accept-Language", r.cfg.AcceptLanguage)
	}
	return out
}

func (r *Renderer) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		ua := headers.Get("User-Agent")
		if ua == "" {
			ua = r.cfg.UserAgent
		}
		if ua != "" {
			override := emulation.SetUserAgentOverride(ua)
			if lang := headers.Get("Accept-Language"); lang != "" {
				override = override.WithAcceptLanguage(lang)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		extra := cloneHeader(headers)
		extra.Del("User-Agent")
		if len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(extra)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, cloneHeader(m.headers), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	return src.Clone()
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = strings.Join(values, ", ")
		}
	}
	return headers
}
