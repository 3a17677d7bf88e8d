// Package chapterorder puts scraped chapter listings into ascending reading
// order and applies range bounds.
package chapterorder

import (
	"slices"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

// Order describes how a listing was numbered on the source page.
type Order int

// Listing orders.
const (
	Ascending Order = iota
	Descending
	Mixed
)

func (o Order) String() string {
	switch o {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return "mixed"
	}
}

// Normalize deduplicates links by URL, keeping the first occurrence, and
// reverses the listing when the first number is greater than the last.
// Interior order is never inspected; gaps pass through.
func Normalize(links []crawler.ChapterLink) []crawler.ChapterLink {
	out := Dedupe(links)
	if len(out) < 2 {
		return out
	}
	if out[0].Number > out[len(out)-1].Number {
		slices.Reverse(out)
	}
	return out
}

// Dedupe drops repeated links and returns a new slice.
func Dedupe(links []crawler.ChapterLink) []crawler.ChapterLink {
	seen := make(map[string]struct{}, len(links))
	out := make([]crawler.ChapterLink, 0, len(links))
	for _, l := range links {
		if _, dup := seen[l.Link]; dup {
			continue
		}
		seen[l.Link] = struct{}{}
		out = append(out, l)
	}
	return out
}

// Direction classifies the numbering of links. Listings with fewer than two
// entries are ascending.
func Direction(links []crawler.ChapterLink) Order {
	up, down := false, false
	for i := 1; i < len(links); i++ {
		switch {
		case links[i].Number > links[i-1].Number:
			up = true
		case links[i].Number < links[i-1].Number:
			down = true
		}
	}
	switch {
	case up && down:
		return Mixed
	case down:
		return Descending
	default:
		return Ascending
	}
}

// FilterRange keeps links whose number lies in r; an unset bound is open.
// It must run after Normalize.
func FilterRange(links []crawler.ChapterLink, r crawler.ChapterRange) []crawler.ChapterLink {
	if r.Empty() {
		return links
	}
	out := make([]crawler.ChapterLink, 0, len(links))
	for _, l := range links {
		if r.Contains(l.Number) {
			out = append(out, l)
		}
	}
	return out
}
