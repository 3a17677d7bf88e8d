package crawler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChapterCompleteCountsCharacters(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		content  string
		length   int
		complete bool
	}{
		"ascii at threshold":       {content: strings.Repeat("x", 100), length: 100, complete: true},
		"ascii below threshold":    {content: strings.Repeat("x", 99), length: 99, complete: false},
		"cjk below threshold":      {content: "<p>" + strings.Repeat("章", 40) + "</p>", length: 47, complete: false},
		"accented below threshold": {content: strings.Repeat("ção", 33), length: 99, complete: false},
		"accented at threshold":    {content: strings.Repeat("ção", 33) + "é", length: 100, complete: true},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ch := Chapter{Content: tc.content}
			require.Equal(t, tc.length, ch.Length())
			require.Equal(t, tc.complete, ch.Complete(100))
		})
	}
}
