package vectorstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/havenhealth/indexd/internal/vectorstore"
)

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name       string
		collection string
		wantErr    bool
	}{
		{name: "valid simple", collection: "wellness_tradition__knowledge", wantErr: false},
		{name: "valid with digits", collection: "t42__journal", wantErr: false},
		{name: "empty", collection: "", wantErr: true},
		{name: "uppercase", collection: "Knowledge", wantErr: true},
		{name: "hyphen", collection: "my-collection", wantErr: true},
		{name: "path traversal", collection: "../etc/passwd", wantErr: true},
		{name: "space", collection: "my collection", wantErr: true},
		{name: "too long", collection: string(make([]byte, 65)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vectorstore.ValidateCollectionName(tt.collection)
			if tt.wantErr {
				assert.ErrorIs(t, err, vectorstore.ErrInvalidCollectionName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unavailable", err: status.Error(grpccodes.Unavailable, "down"), want: true},
		{name: "deadline", err: status.Error(grpccodes.DeadlineExceeded, "slow"), want: true},
		{name: "aborted", err: status.Error(grpccodes.Aborted, "conflict"), want: true},
		{name: "resource exhausted", err: status.Error(grpccodes.ResourceExhausted, "quota"), want: true},
		{name: "not found", err: status.Error(grpccodes.NotFound, "missing"), want: false},
		{name: "invalid argument", err: status.Error(grpccodes.InvalidArgument, "bad"), want: false},
		{name: "unauthenticated", err: status.Error(grpccodes.Unauthenticated, "key"), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, vectorstore.IsTransientError(tt.err))
		})
	}
}

func newChromem(t *testing.T) *vectorstore.ChromemStore {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestChromemStore_UpsertAndSearch(t *testing.T) {
	store := newChromem(t)
	ctx := context.Background()

	const collection = "herbal__knowledge"
	require.NoError(t, store.EnsureCollection(ctx, collection, 3))

	points := []vectorstore.Point{
		{
			ID:     "chunk-a",
			Vector: []float32{1, 0, 0},
			Payload: map[string]interface{}{
				"text":   "chamomile tea aids sleep",
				"source": "herbs.pdf",
				"page":   3,
			},
		},
		{
			ID:     "chunk-b",
			Vector: []float32{0, 1, 0},
			Payload: map[string]interface{}{
				"text":   "ginger soothes digestion",
				"source": "herbs.pdf",
				"page":   7,
			},
		},
	}
	require.NoError(t, store.Upsert(ctx, collection, points))

	results, err := store.Search(ctx, collection, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "chunk-a", results[0].ID)
	assert.Equal(t, "chamomile tea aids sleep", results[0].Payload["text"])
	assert.Equal(t, "herbs.pdf", results[0].Payload["source"])
	if len(results) == 2 {
		assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	}
}

func TestChromemStore_UpsertReplacesByID(t *testing.T) {
	store := newChromem(t)
	ctx := context.Background()

	const collection = "t1__knowledge"
	require.NoError(t, store.EnsureCollection(ctx, collection, 3))

	point := vectorstore.Point{
		ID:      "chunk-a",
		Vector:  []float32{1, 0, 0},
		Payload: map[string]interface{}{"text": "v1"},
	}
	require.NoError(t, store.Upsert(ctx, collection, []vectorstore.Point{point}))

	point.Payload["text"] = "v2"
	require.NoError(t, store.Upsert(ctx, collection, []vectorstore.Point{point}))

	info, err := store.CollectionInfo(ctx, collection)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.PointCount, "same ID must replace, not duplicate")

	results, err := store.Search(ctx, collection, []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v2", results[0].Payload["text"])
}

func TestChromemStore_SearchWithFilter(t *testing.T) {
	store := newChromem(t)
	ctx := context.Background()

	const collection = "t1__journal"
	require.NoError(t, store.EnsureCollection(ctx, collection, 3))

	require.NoError(t, store.Upsert(ctx, collection, []vectorstore.Point{
		{ID: "e1", Vector: []float32{1, 0, 0}, Payload: map[string]interface{}{"text": "walked 5km", "user_id": "alice"}},
		{ID: "e2", Vector: []float32{0.9, 0.1, 0}, Payload: map[string]interface{}{"text": "ran 10km", "user_id": "bob"}},
	}))

	results, err := store.Search(ctx, collection, []float32{1, 0, 0}, 10, map[string]string{"user_id": "alice"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "e1", results[0].ID)
}

func TestChromemStore_DimensionMismatch(t *testing.T) {
	store := newChromem(t)
	ctx := context.Background()

	const collection = "t1__knowledge"
	require.NoError(t, store.EnsureCollection(ctx, collection, 3))

	err := store.Upsert(ctx, collection, []vectorstore.Point{
		{ID: "bad", Vector: []float32{1, 0}, Payload: map[string]interface{}{"text": "x"}},
	})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)

	err = store.Upsert(ctx, collection, []vectorstore.Point{
		{ID: "novec", Payload: map[string]interface{}{"text": "x"}},
	})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestChromemStore_SearchMissingCollection(t *testing.T) {
	store := newChromem(t)

	_, err := store.Search(context.Background(), "nope__knowledge", []float32{1, 0, 0}, 5, nil)
	assert.ErrorIs(t, err, vectorstore.ErrCollectionNotFound)
}

func TestChromemStore_SearchEmptyCollection(t *testing.T) {
	store := newChromem(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "empty__knowledge", 3))

	results, err := store.Search(ctx, "empty__knowledge", []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_DeleteCollectionIdempotent(t *testing.T) {
	store := newChromem(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "gone__knowledge", 3))
	require.NoError(t, store.DeleteCollection(ctx, "gone__knowledge"))
	assert.NoError(t, store.DeleteCollection(ctx, "gone__knowledge"), "deleting an absent collection is a no-op")

	_, err := store.CollectionInfo(ctx, "gone__knowledge")
	assert.ErrorIs(t, err, vectorstore.ErrCollectionNotFound)
}

func TestChromemStore_ListCollections(t *testing.T) {
	store := newChromem(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "a__knowledge", 3))
	require.NoError(t, store.EnsureCollection(ctx, "a__journal", 3))

	names, err := store.ListCollections(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a__knowledge", "a__journal"}, names)
}

func TestChromemStore_EmptyPoints(t *testing.T) {
	store := newChromem(t)
	err := store.Upsert(context.Background(), "t1__knowledge", nil)
	assert.ErrorIs(t, err, vectorstore.ErrEmptyPoints)
}

func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := vectorstore.New(vectorstore.Config{Backend: "pinecone"}, nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)
}

func TestNew_ChromemDefault(t *testing.T) {
	store, err := vectorstore.New(vectorstore.Config{
		Chromem: vectorstore.ChromemConfig{Path: t.TempDir()},
	}, nil)
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*vectorstore.ChromemStore)
	assert.True(t, ok)
}
