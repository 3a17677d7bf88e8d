package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Settle: -time.Second}, nil, nil)
	require.Error(t, err)

	r, err := New(Config{MaxParallel: 2}, nil, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, cap(r.limiter))
	require.Equal(t, defaultTimeout, r.cfg.Timeout)
}

func TestRequestHeadersDefaultsAcceptLanguage(t *testing.T) {
	t.Parallel()

	r, err := New(Config{AcceptLanguage: "pt-BR,pt;q=0.9"}, nil, nil)
	require.NoError(t, err)

	got := r.requestHeaders(nil)
	require.Equal(t, "pt-BR,pt;q=0.9", got.Get("Accept-Language"))

	src := http.Header{"Accept-Language": {"en-US"}}
	got = r.requestHeaders(src)
	require.Equal(t, "en-US", got.Get("Accept-Language"))
	got.Set("X-Extra", "1")
	require.Empty(t, src.Get("X-Extra"), "source headers must not be mutated")
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{
		"X-Single": {"a"},
		"X-Multi":  {"a", "b"},
		"X-Empty":  {},
	})
	require.Equal(t, "a", got["X-Single"])
	require.Equal(t, "a, b", got["X-Multi"])
	require.NotContains(t, got, "X-Empty")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeImage,
		Response: &network.Response{
			Status: 404,
			URL:    "https://series.test/cover.jpg",
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://series.test/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": []interface{}{"a=1", "b=2"}},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Len(t, headers.Values("Set-Cookie"), 2)
	require.Equal(t, "https://series.test/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	_, _, url = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestClosedSessionRejectsRender(t *testing.T) {
	t.Parallel()

	r, err := New(Config{}, nil, nil)
	require.NoError(t, err)
	s := &session{
		renderer:      r,
		browser:       context.Background(),
		browserCancel: func() {},
		allocCancel:   func() {},
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Render(context.Background(), "https://series.test/c/1", nil)
	require.ErrorIs(t, err, crawler.ErrFetchFailure)
}

func TestAcquireHonorsCancellation(t *testing.T) {
	t.Parallel()

	r, err := New(Config{MaxParallel: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, r.acquire(ctx))

	r.release()
	require.NoError(t, r.acquire(context.Background()))
}
