package blobstore_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/havenhealth/indexd/internal/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// storeFactories builds each Store backend against a temp directory so
// the same contract tests run for both.
func storeFactories(t *testing.T) map[string]blobstore.Store {
	t.Helper()

	fsStore, err := blobstore.NewFSStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	return map[string]blobstore.Store{
		"fs":     fsStore,
		"memory": blobstore.NewMemStore(),
	}
}

func TestStore_UploadDownload(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := store.Upload(ctx, "demo/documents/a.txt", strings.NewReader("hello"))
			require.NoError(t, err)

			dest := filepath.Join(t.TempDir(), "a.txt")
			require.NoError(t, store.Download(ctx, "demo/documents/a.txt", dest))

			data, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(data))
		})
	}
}

func TestStore_UploadOverwrites(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Upload(ctx, "demo/documents/a.txt", strings.NewReader("first")))
			require.NoError(t, store.Upload(ctx, "demo/documents/a.txt", strings.NewReader("second")))

			r, err := store.Open(ctx, "demo/documents/a.txt")
			require.NoError(t, err)
			defer r.Close()

			buf := make([]byte, 16)
			n, _ := r.Read(buf)
			assert.Equal(t, "second", string(buf[:n]))
		})
	}
}

func TestStore_DownloadMissing(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Download(context.Background(), "demo/documents/missing.pdf", filepath.Join(t.TempDir(), "x"))
			assert.ErrorIs(t, err, blobstore.ErrNotFound)
		})
	}
}

func TestStore_ListByPrefix(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Upload(ctx, "demo/documents/a.pdf", strings.NewReader("a")))
			require.NoError(t, store.Upload(ctx, "demo/documents/b.pdf", strings.NewReader("b")))
			require.NoError(t, store.Upload(ctx, "demo/metadata/manifest.json", strings.NewReader("{}")))
			require.NoError(t, store.Upload(ctx, "other/documents/c.pdf", strings.NewReader("c")))

			infos, err := store.List(ctx, blobstore.DocumentsPrefix("demo"))
			require.NoError(t, err)

			keys := make([]string, len(infos))
			for i, info := range infos {
				keys[i] = info.Key
			}
			assert.ElementsMatch(t, []string{"demo/documents/a.pdf", "demo/documents/b.pdf"}, keys)
		})
	}
}

func TestStore_ListEmptyPrefix(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			infos, err := store.List(context.Background(), "nothing/here/")
			require.NoError(t, err)
			assert.Empty(t, infos)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Upload(ctx, "demo/documents/a.txt", strings.NewReader("x")))
			require.NoError(t, store.Delete(ctx, "demo/documents/a.txt"))
			// Deleting again must not error.
			require.NoError(t, store.Delete(ctx, "demo/documents/a.txt"))

			_, err := store.Open(ctx, "demo/documents/a.txt")
			assert.ErrorIs(t, err, blobstore.ErrNotFound)
		})
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		wantError bool
	}{
		{name: "valid", key: "demo/documents/a.pdf"},
		{name: "empty", key: "", wantError: true},
		{name: "absolute", key: "/etc/passwd", wantError: true},
		{name: "traversal", key: "demo/../../etc/passwd", wantError: true},
		{name: "empty segment", key: "demo//a.pdf", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := blobstore.ValidateKey(tt.key)
			if tt.wantError {
				assert.ErrorIs(t, err, blobstore.ErrInvalidKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManifest_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()

	// Nothing written yet.
	m, err := blobstore.ReadManifest(ctx, store, "demo")
	require.NoError(t, err)
	assert.Nil(t, m)

	want := &blobstore.Manifest{
		Tradition:      "demo",
		LastUpdated:    time.Now().UTC().Truncate(time.Second),
		ProcessedFiles: []string{"demo/documents/a.pdf", "demo/documents/b.pdf"},
	}
	require.NoError(t, blobstore.WriteManifest(ctx, store, want))

	got, err := blobstore.ReadManifest(ctx, store, "demo")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Tradition, got.Tradition)
	assert.ElementsMatch(t, want.ProcessedFiles, got.ProcessedFiles)
}

func TestManifest_EmptyProcessedFilesEncodesAsArray(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()

	require.NoError(t, blobstore.WriteManifest(ctx, store, &blobstore.Manifest{Tradition: "demo"}))

	got, err := blobstore.ReadManifest(ctx, store, "demo")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotNil(t, got.ProcessedFiles)
	assert.Empty(t, got.ProcessedFiles)
}
