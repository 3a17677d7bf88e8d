package sanitize

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, body string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body>" + body + "</body></html>"))
	require.NoError(t, err)
	return doc
}

func TestSanitizeScriptParagraphBreak(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<div class="c"><script>x()</script><p>Hello</p><br></div>`)
	require.Equal(t, "<p>Hello</p><br>", Sanitize(doc, ".c"))
}

func TestSanitizeTextNodesAndInlineMarkup(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<div id="content">
		Loose text &amp; more
		<p class="x"><b>bold</b> and <i>italic</i></p>
		<span>   </span>
		<h2>Dropped heading</h2>
		<table><tr><td>dropped</td></tr></table>
		<strong>Strong line</strong>
	</div>`)

	got := Sanitize(doc, "#content")
	require.Equal(t, "<p>Loose text &amp; more</p><p><b>bold</b> and <i>italic</i></p><p>Strong line</p>", got)
	require.NotContains(t, got, "class=")
}

func TestSanitizeRemovesNestedNoise(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<div class="c">
		<div>Para one<div class="ads">buy</div></div>
		<div class="sharedaddy">share</div>
		<p>Para two<iframe src="x"></iframe></p>
		<noscript>enable js</noscript>
		<form><input></form>
	</div>`)

	got := Sanitize(doc, ".c")
	require.Equal(t, "<p>Para one</p><p>Para two</p>", got)
}

func TestSanitizeFirstMatchOnly(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<div class="c"><p>one</p></div><div class="c"><p>two</p></div>`)
	require.Equal(t, "<p>one</p>", Sanitize(doc, ".c"))
}

func TestSanitizeMissingRoot(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<p>orphan</p>`)
	require.Empty(t, Sanitize(doc, ".content"))
	require.Empty(t, Sanitize(doc, ""))
	require.Empty(t, Sanitize(nil, ".content"))
}
