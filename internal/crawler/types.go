package crawler

import (
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Fallback metadata values used when a source omits a field.
const (
	UnknownTitle  = "Unknown Title"
	UnknownAuthor = "Unknown Author"
)

// DefaultMinContentLength is the sanitized length below which a stored
// chapter is considered incomplete and eligible for re-fetch.
const DefaultMinContentLength = 100

// Metadata is what a connector extracts from a work's landing page.
type Metadata struct {
	Title       string
	Author      string
	Description string
	CoverURL    string
	Status      string
	Category    string
	Language    string
	Slug        string
}

// Work is one serialized long-form content item. SourceURL is unique.
type Work struct {
	ID          string    `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Author      string    `json:"author" db:"author"`
	Description string    `json:"description" db:"description"`
	CoverURL    string    `json:"cover_url" db:"cover_url"`
	SourceURL   string    `json:"source_url" db:"source_url"`
	Status      string    `json:"status" db:"status"`
	Language    string    `json:"language" db:"language"`
	Category    string    `json:"category" db:"category"`
	Slug        string    `json:"slug" db:"slug"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Chapter is one ordered unit of a Work. (WorkID, Number) is unique.
type Chapter struct {
	ID          string    `json:"id" db:"id"`
	WorkID      string    `json:"work_id" db:"work_id"`
	Title       string    `json:"title" db:"title"`
	Number      int       `json:"chapter_number" db:"chapter_number"`
	Content     string    `json:"content" db:"content"`
	SourceURL   string    `json:"source_url" db:"source_url"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ContentLength counts characters, not bytes.
func ContentLength(content string) int {
	return utf8.RuneCountInString(content)
}

// Length is the character count of the stored content.
func (c Chapter) Length() int {
	return ContentLength(c.Content)
}

// Complete reports whether the stored content meets the minimum length.
func (c Chapter) Complete(minLength int) bool {
	return c.Length() >= minLength
}

// ChapterLink is a transient (link, title, number) tuple produced by a
// connector or by range generation. It is never persisted.
type ChapterLink struct {
	Link   string
	Title  string
	Number int
}

// ChapterRange bounds a crawl to a subset of chapters. A nil End means
// open-ended.
type ChapterRange struct {
	Start *int
	End   *int
}

// Bounded reports whether both ends of the range are set.
func (r ChapterRange) Bounded() bool {
	return r.Start != nil && r.End != nil
}

// Empty reports whether no bound is set.
func (r ChapterRange) Empty() bool {
	return r.Start == nil && r.End == nil
}

// Contains reports whether n falls inside the range.
func (r ChapterRange) Contains(n int) bool {
	if r.Start != nil && n < *r.Start {
		return false
	}
	if r.End != nil && n > *r.End {
		return false
	}
	return true
}

// CrawlJob is a persisted, queued request to crawl one work.
type CrawlJob struct {
	ID             string     `json:"id" db:"id"`
	URL            string     `json:"url" db:"url"`
	StartChapter   *int       `json:"start_chapter,omitempty" db:"start_chapter"`
	EndChapter     *int       `json:"end_chapter,omitempty" db:"end_chapter"`
	RequestedBy    string     `json:"requested_by,omitempty" db:"requested_by"`
	Status         JobStatus  `json:"status" db:"status"`
	ErrorMessage   string     `json:"error_message,omitempty" db:"error_message"`
	ClaimedBy      string     `json:"claimed_by,omitempty" db:"claimed_by"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Range returns the job's chapter bounds.
func (j CrawlJob) Range() ChapterRange {
	return ChapterRange{Start: j.StartChapter, End: j.EndChapter}
}

// Claim carries the owner token and lease deadline written by ClaimJob.
type Claim struct {
	Owner      string
	At         time.Time
	LeaseUntil time.Time
}

// Page is a rendered document returned by a RenderSession.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	HTML       []byte
	Document   *goquery.Document
	Duration   time.Duration
}

// IngestStats summarizes one chapter loop.
type IngestStats struct {
	Total   int `json:"total"`
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Short   int `json:"short"`
}
