// Package selector implements a connector driven entirely by configuration:
// CSS selectors, host patterns, and URL templates.
package selector

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/novelcrawl/internal/connector"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Connector implements connector.Connector from a Config.
type Connector struct {
	cfg      Config
	slugRe   *regexp.Regexp
	numberRe *regexp.Regexp
	labels   MetaLabels
	headers  http.Header
	caps     connector.Capability
}

// New validates cfg and builds a Connector.
func New(cfg Config) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Connector{
		cfg:     cfg,
		labels:  mergeLabels(cfg.MetaLabels),
		headers: http.Header{},
	}
	if cfg.SlugPattern != "" {
		c.slugRe = regexp.MustCompile(cfg.SlugPattern)
	}
	pattern := cfg.ChapterNumberPattern
	if pattern == "" {
		pattern = defaultChapterNumberPattern
	}
	c.numberRe = regexp.MustCompile(pattern)
	for k, v := range cfg.Headers {
		c.headers.Set(k, v)
	}
	if cfg.RangeURLTemplate != "" {
		c.caps |= connector.CapRangeLinks
	}
	if cfg.ChapterListURLTemplate != "" {
		c.caps |= connector.CapChapterListURL
	}
	if cfg.Cleanup.enabled() {
		c.caps |= connector.CapCleanup
	}
	return c, nil
}

// Name returns the configured connector name.
func (c *Connector) Name() string {
	return c.cfg.Name
}

// Capabilities reports which optional members are configured.
func (c *Connector) Capabilities() connector.Capability {
	return c.caps
}

// OwnsURL matches the URL host against the configured hosts, subdomains
// included.
func (c *Connector) OwnsURL(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range c.cfg.Hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// RequestConfig returns headers, pacing, and chapter selectors.
func (c *Connector) RequestConfig() connector.RequestConfig {
	return connector.RequestConfig{
		Headers:                c.headers.Clone(),
		DelayBetweenChapters:   c.cfg.DelayBetweenChapters,
		ChapterContentSelector: c.cfg.Selectors.ChapterContent,
		ChapterTitleSelector:   c.cfg.Selectors.ChapterTitle,
	}
}

// ExtractMetadata reads work metadata, falling back to placeholders.
func (c *Connector) ExtractMetadata(doc *goquery.Document, currentURL string) crawler.Metadata {
	s := c.cfg.Selectors
	meta := crawler.Metadata{
		Title:       firstText(doc, s.Title),
		Author:      stripLabel(firstText(doc, s.Author), c.labels.Author),
		Description: firstText(doc, s.Description),
		Language:    c.cfg.Language,
		Slug:        c.slug(currentURL),
	}
	if s.MetaItems != "" {
		c.readMetaItems(doc, &meta)
	}
	if s.Cover != "" {
		cover := doc.Find(s.Cover).First()
		src, ok := cover.Attr("src")
		if !ok || strings.TrimSpace(src) == "" {
			src, _ = cover.Attr("data-src")
		}
		meta.CoverURL = connector.AbsoluteURL(currentURL, src)
	}
	if meta.Title == "" {
		meta.Title = crawler.UnknownTitle
	}
	if meta.Author == "" {
		meta.Author = crawler.UnknownAuthor
	}
	return meta
}

func (c *Connector) readMetaItems(doc *goquery.Document, meta *crawler.Metadata) {
	doc.Find(c.cfg.Selectors.MetaItems).Each(func(_ int, item *goquery.Selection) {
		text := strings.TrimSpace(item.Text())
		linked := strings.TrimSpace(item.Find("a").First().Text())
		value := func(label string) string {
			if linked != "" {
				return linked
			}
			return stripLabel(text, label)
		}
		switch {
		case c.labels.Author != "" && strings.Contains(text, c.labels.Author):
			if meta.Author == "" {
				meta.Author = value(c.labels.Author)
			}
		case c.labels.Category != "" && strings.Contains(text, c.labels.Category):
			meta.Category = value(c.labels.Category)
		case c.labels.Status != "" && strings.Contains(text, c.labels.Status):
			meta.Status = value(c.labels.Status)
		}
	})
}

// ExtractChapterLinks collects chapter anchors in document order.
func (c *Connector) ExtractChapterLinks(doc *goquery.Document, workURL string) []crawler.ChapterLink {
	var found *goquery.Selection
	for _, sel := range c.cfg.Selectors.ChapterList {
		if matches := doc.Find(sel); matches.Length() > 0 {
			found = matches
			break
		}
	}
	if found == nil {
		return nil
	}
	links := make([]crawler.ChapterLink, 0, found.Length())
	found.Each(func(i int, el *goquery.Selection) {
		href, ok := el.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || c.excluded(href) {
			return
		}
		title := strings.TrimSpace(el.Text())
		number := 0
		if c.cfg.Selectors.ChapterNumber != "" {
			numText := strings.TrimSpace(el.Find(c.cfg.Selectors.ChapterNumber).First().Text())
			if numText != "" {
				title = numText
			}
			number, _ = strconv.Atoi(nonDigits.ReplaceAllString(numText, ""))
		}
		if number == 0 {
			number = c.numberFromTitle(title)
		}
		if number == 0 {
			number = i + 1
		}
		links = append(links, crawler.ChapterLink{
			Link:   connector.AbsoluteURL(workURL, href),
			Title:  title,
			Number: number,
		})
	})
	return links
}

// GenerateRangeLinks expands the range URL template for start..end.
func (c *Connector) GenerateRangeLinks(workURL string, start, end int) []crawler.ChapterLink {
	if end < start {
		return nil
	}
	links := make([]crawler.ChapterLink, 0, end-start+1)
	for n := start; n <= end; n++ {
		links = append(links, crawler.ChapterLink{
			Link:   c.expand(c.cfg.RangeURLTemplate, workURL, n),
			Title:  "Chapter " + strconv.Itoa(n),
			Number: n,
		})
	}
	return links
}

// ResolveChapterListURL expands the chapter-list URL template. It reports
// false when the template needs a slug that cannot be derived.
func (c *Connector) ResolveChapterListURL(workURL string) (string, bool) {
	tmpl := c.cfg.ChapterListURLTemplate
	if tmpl == "" {
		return "", false
	}
	if strings.Contains(tmpl, "{slug}") && c.slug(workURL) == "" {
		return "", false
	}
	return c.expand(tmpl, workURL, 0), true
}

// CleanupDocument removes configured boilerplate inside the cleanup root.
func (c *Connector) CleanupDocument(doc *goquery.Document) {
	rootSel := c.cfg.Cleanup.Root
	if rootSel == "" {
		rootSel = c.cfg.Selectors.ChapterContent
	}
	root := doc.Find(rootSel)
	for _, sel := range c.cfg.Cleanup.Selectors {
		root.Find(sel).Remove()
	}
	if len(c.cfg.Cleanup.Phrases) == 0 && len(c.cfg.Cleanup.Exact) == 0 {
		return
	}
	root.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		for _, exact := range c.cfg.Cleanup.Exact {
			if text == exact {
				p.Remove()
				return
			}
		}
		for _, phrase := range c.cfg.Cleanup.Phrases {
			if strings.Contains(text, phrase) {
				p.Remove()
				return
			}
		}
	})
}

func (c *Connector) excluded(href string) bool {
	for _, sub := range c.cfg.ExcludeLinks {
		if sub != "" && strings.Contains(href, sub) {
			return true
		}
	}
	return false
}

func (c *Connector) numberFromTitle(title string) int {
	m := c.numberRe.FindStringSubmatch(title)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// slug prefers the configured pattern and falls back to the last path
// segment without a .html suffix.
func (c *Connector) slug(workURL string) string {
	if c.slugRe != nil {
		if m := c.slugRe.FindStringSubmatch(workURL); len(m) > 1 {
			return m[1]
		}
		return ""
	}
	return connector.LastSegment(workURL)
}

func (c *Connector) expand(tmpl, workURL string, n int) string {
	origin := ""
	if u, err := url.Parse(workURL); err == nil && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}
	base := strings.TrimSuffix(strings.TrimRight(workURL, "/"), ".html")
	r := strings.NewReplacer(
		"{base}", base,
		"{origin}", origin,
		"{slug}", c.slug(workURL),
		"{n}", strconv.Itoa(n),
	)
	return r.Replace(tmpl)
}

func firstText(doc *goquery.Document, sel string) string {
	if sel == "" {
		return ""
	}
	return strings.TrimSpace(doc.Find(sel).First().Text())
}

func stripLabel(text, label string) string {
	if label == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.Replace(text, label, "", 1))
}

func mergeLabels(l MetaLabels) MetaLabels {
	if l.Author == "" {
		l.Author = defaultMetaLabels.Author
	}
	if l.Category == "" {
		l.Category = defaultMetaLabels.Category
	}
	if l.Status == "" {
		l.Status = defaultMetaLabels.Status
	}
	return l
}
