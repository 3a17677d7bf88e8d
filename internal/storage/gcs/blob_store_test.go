package gcs_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/novelcrawl/internal/storage/gcs"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func respond(r *http.Request, code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    r,
	}
}

func clientOption(fn roundTripperFunc) []option.ClientOption {
	return []option.ClientOption{
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: fn}),
	}
}

func TestOpen(t *testing.T) {
	t.Run("RequiresBucket", func(t *testing.T) {
		_, err := gcs.Open(context.Background(), gcs.Config{})
		require.Error(t, err)
	})

	t.Run("ChecksBucket", func(t *testing.T) {
		opts := clientOption(func(r *http.Request) (*http.Response, error) {
			assert.Contains(t, r.URL.Path, "/b/novels")
			return respond(r, http.StatusOK, `{"name":"novels"}`), nil
		})
		store, err := gcs.Open(context.Background(), gcs.Config{Bucket: "novels"}, opts...)
		require.NoError(t, err)
		require.NoError(t, store.Close())
	})

	t.Run("MissingBucket", func(t *testing.T) {
		opts := clientOption(func(r *http.Request) (*http.Response, error) {
			return respond(r, http.StatusNotFound, `{"error":{"code":404,"message":"not found"}}`), nil
		})
		_, err := gcs.Open(context.Background(), gcs.Config{Bucket: "novels"}, opts...)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "novels")
	})
}

func TestPutObject(t *testing.T) {
	var (
		gotName string
		gotBody string
	)
	client, err := storage.NewClient(context.Background(), clientOption(func(r *http.Request) (*http.Response, error) {
		gotName = r.URL.Query().Get("name")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		return respond(r, http.StatusOK, `{"name":"`+gotName+`","bucket":"novels"}`), nil
	})...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: "novels", Prefix: "/raw/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "w1/3-abc.html", "text/html", strings.NewReader("<p>three</p>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://novels/raw/w1/3-abc.html", uri)
	assert.Equal(t, "raw/w1/3-abc.html", gotName)
	assert.Contains(t, gotBody, "<p>three</p>")

	_, err = store.PutObject(context.Background(), " ", "text/html", strings.NewReader("x"))
	require.Error(t, err)

	// New does not take ownership of the client.
	require.NoError(t, store.Close())
}

func TestPutObjectServerError(t *testing.T) {
	client, err := storage.NewClient(context.Background(), clientOption(func(r *http.Request) (*http.Response, error) {
		return respond(r, http.StatusForbidden, `{"error":{"code":403,"message":"denied"}}`), nil
	})...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: "novels"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "x.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)
}
