package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, rendersTotal)
	require.NotNil(t, chaptersTotal)
	require.NotNil(t, jobsTotal)
	require.NotNil(t, leasesRequeuedTotal)
}

func TestObserveChapterAndJob(t *testing.T) {
	Init()

	stored := chaptersTotal.WithLabelValues("series-site", "stored")
	before := testutil.ToFloat64(stored)
	ObserveChapter("series-site", "stored")
	ObserveChapter("series-site", "stored")
	require.InDelta(t, before+2, testutil.ToFloat64(stored), 0.001)

	completed := jobsTotal.WithLabelValues("completed")
	before = testutil.ToFloat64(completed)
	ObserveJob("completed")
	require.InDelta(t, before+1, testutil.ToFloat64(completed), 0.001)
}

func TestObserveRender(t *testing.T) {
	Init()

	ok := rendersTotal.WithLabelValues("render.test", "200")
	bytes := renderBytesTotal.WithLabelValues("render.test")
	beforeOK, beforeBytes := testutil.ToFloat64(ok), testutil.ToFloat64(bytes)

	ObserveRender("https://Render.test/chapter-1", "200", 512, 2*time.Second)
	require.InDelta(t, beforeOK+1, testutil.ToFloat64(ok), 0.001)
	require.InDelta(t, beforeBytes+512, testutil.ToFloat64(bytes), 0.001)
}

func TestObserveRequeuedIgnoresZero(t *testing.T) {
	Init()

	before := testutil.ToFloat64(leasesRequeuedTotal)
	ObserveRequeued(0)
	ObserveRequeued(3)
	require.InDelta(t, before+3, testutil.ToFloat64(leasesRequeuedTotal), 0.001)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://novelbin.me", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
