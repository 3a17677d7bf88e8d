// Package connector defines the capability contract that isolates
// site-specific extraction and the registry that resolves a connector for a
// source URL.
package connector

import (
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

// Capability tags the optional members a connector implements.
type Capability uint8

// Optional capabilities.
const (
	CapRangeLinks Capability = 1 << iota
	CapChapterListURL
	CapCleanup
)

// Has reports whether flag is set.
func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

func (c Capability) String() string {
	var parts []string
	if c.Has(CapRangeLinks) {
		parts = append(parts, "range-links")
	}
	if c.Has(CapChapterListURL) {
		parts = append(parts, "chapter-list-url")
	}
	if c.Has(CapCleanup) {
		parts = append(parts, "cleanup")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// RequestConfig carries per-connector request and chapter-page settings.
type RequestConfig struct {
	Headers                http.Header
	DelayBetweenChapters   time.Duration
	ChapterContentSelector string
	ChapterTitleSelector   string
}

// Connector is the required contract every site adapter satisfies.
type Connector interface {
	// Name is a stable identity.
	Name() string
	// OwnsURL is a pure pattern test and must not perform I/O.
	OwnsURL(rawURL string) bool
	// ExtractMetadata falls back to crawler.UnknownTitle/UnknownAuthor
	// instead of failing.
	ExtractMetadata(doc *goquery.Document, currentURL string) crawler.Metadata
	// ExtractChapterLinks extracts only; ordering is not its concern.
	ExtractChapterLinks(doc *goquery.Document, workURL string) []crawler.ChapterLink
	RequestConfig() RequestConfig
	Capabilities() Capability
}

// RangeGenerator builds chapter links when chapter URLs are a deterministic
// function of the chapter number.
type RangeGenerator interface {
	GenerateRangeLinks(workURL string, start, end int) []crawler.ChapterLink
}

// ChapterListResolver points at a secondary endpoint holding the full list.
type ChapterListResolver interface {
	ResolveChapterListURL(workURL string) (string, bool)
}

// DocumentCleaner removes site boilerplate from a chapter document in place.
type DocumentCleaner interface {
	CleanupDocument(doc *goquery.Document)
}

// AsRangeGenerator returns the range capability when c declares it.
func AsRangeGenerator(c Connector) (RangeGenerator, bool) {
	if c == nil || !c.Capabilities().Has(CapRangeLinks) {
		return nil, false
	}
	g, ok := c.(RangeGenerator)
	return g, ok
}

// AsChapterListResolver returns the chapter-list capability when c declares it.
func AsChapterListResolver(c Connector) (ChapterListResolver, bool) {
	if c == nil || !c.Capabilities().Has(CapChapterListURL) {
		return nil, false
	}
	r, ok := c.(ChapterListResolver)
	return r, ok
}

// AsDocumentCleaner returns the cleanup capability when c declares it.
func AsDocumentCleaner(c Connector) (DocumentCleaner, bool) {
	if c == nil || !c.Capabilities().Has(CapCleanup) {
		return nil, false
	}
	d, ok := c.(DocumentCleaner)
	return d, ok
}

// AbsoluteURL resolves ref against base. Already-absolute refs and
// unparsable input are returned unchanged.
func AbsoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// LastSegment returns the last non-empty path segment of rawURL with any
// .html suffix removed. It is the default work slug.
func LastSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	seg := path.Base(strings.TrimRight(u.Path, "/"))
	if seg == "." || seg == "/" {
		return ""
	}
	return strings.TrimSuffix(seg, ".html")
}
