// Package sanitize reduces a rendered chapter document to a flat sequence of
// paragraph blocks and line breaks.
package sanitize

import (
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	nethtml "golang.org/x/net/html"
)

// NoiseSelector matches elements removed before serialization.
const NoiseSelector = "script, style, iframe, frame, form, noscript, .ads, .comment-section, .related-posts, .sharedaddy"

var blockTags = map[string]struct{}{
	"div":    {},
	"span":   {},
	"p":      {},
	"b":      {},
	"i":      {},
	"strong": {},
	"em":     {},
}

// Sanitize serializes the first element matching selector. It returns an
// empty string when nothing matches.
func Sanitize(doc *goquery.Document, selector string) string {
	if doc == nil || selector == "" {
		return ""
	}
	return SanitizeSelection(doc.Find(selector).First())
}

// SanitizeSelection removes noise from the first node of sel and rebuilds its
// immediate children: text becomes <p>text</p>, <br> is kept, and
// allow-listed wrappers contribute their trimmed inner HTML wrapped in <p>.
// Anything else is dropped.
func SanitizeSelection(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	root := sel.First()
	root.Find(NoiseSelector).Remove()

	var b strings.Builder
	root.Contents().Each(func(_ int, child *goquery.Selection) {
		node := child.Get(0)
		switch node.Type {
		case nethtml.TextNode:
			if text := strings.TrimSpace(node.Data); text != "" {
				b.WriteString("<p>")
				b.WriteString(html.EscapeString(text))
				b.WriteString("</p>")
			}
		case nethtml.ElementNode:
			if node.Data == "br" {
				b.WriteString("<br>")
				return
			}
			if _, ok := blockTags[node.Data]; !ok {
				return
			}
			inner, err := child.Html()
			if err != nil {
				return
			}
			if inner = strings.TrimSpace(inner); inner != "" {
				b.WriteString("<p>")
				b.WriteString(inner)
				b.WriteString("</p>")
			}
		}
	})
	return b.String()
}
