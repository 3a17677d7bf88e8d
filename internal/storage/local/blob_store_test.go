package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novelcrawl/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "raw", "chapters")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: "  "})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	t.Run("WritesNestedSnapshot", func(t *testing.T) {
		path := "raw/work-1/12-abc.html"
		uri, err := store.PutObject(context.Background(), path, "text/html", strings.NewReader("<p>hi</p>"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(base, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(base, path))
		require.NoError(t, err)
		assert.Equal(t, "<p>hi</p>", string(got))
	})

	t.Run("Overwrites", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "a.html", "text/html", strings.NewReader("one"))
		require.NoError(t, err)
		_, err = store.PutObject(context.Background(), "a.html", "text/html", strings.NewReader("two"))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(base, "a.html"))
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))

		entries, err := os.ReadDir(base)
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.HasPrefix(e.Name(), ".snapshot-"), "temp file left behind")
		}
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../outside.html", "text/html", strings.NewReader("x"))
		assert.Error(t, err)
	})
}
