package indexer_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenhealth/indexd/internal/blobstore"
	"github.com/havenhealth/indexd/internal/embeddings"
	"github.com/havenhealth/indexd/internal/extract"
	"github.com/havenhealth/indexd/internal/indexer"
	"github.com/havenhealth/indexd/internal/journal"
	"github.com/havenhealth/indexd/internal/vectorstore"
)

// fakeSource serves canned journal entries.
type fakeSource struct {
	entries map[string]*journal.Entry
}

func (f *fakeSource) EntryByID(ctx context.Context, id, userID string) (*journal.Entry, error) {
	entry, ok := f.entries[id]
	if !ok || entry.UserID != userID {
		return nil, nil
	}
	return entry, nil
}

func (f *fakeSource) ListByUserForPeriod(ctx context.Context, userID string, start, end time.Time) ([]journal.Entry, error) {
	var out []journal.Entry
	for _, e := range f.entries {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

// trackingInvalidator records invalidated traditions.
type trackingInvalidator struct {
	invalidated []string
}

func (t *trackingInvalidator) Invalidate(tradition string) {
	t.invalidated = append(t.invalidated, tradition)
}

type fixture struct {
	orch    *indexer.Orchestrator
	blobs   *blobstore.MemStore
	vectors *vectorstore.ChromemStore
	source  *fakeSource
	inval   *trackingInvalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	blobs := blobstore.NewMemStore()

	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	provider, err := embeddings.NewLocalProvider(32)
	require.NoError(t, err)

	chunker, err := extract.NewChunker(nil)
	require.NoError(t, err)

	source := &fakeSource{entries: map[string]*journal.Entry{}}
	inval := &trackingInvalidator{}

	orch, err := indexer.New(indexer.Config{DataDir: t.TempDir()}, indexer.Deps{
		Blobs:       blobs,
		Chunker:     chunker,
		Provider:    provider,
		Vectors:     vectors,
		Journal:     source,
		Invalidator: inval,
	})
	require.NoError(t, err)

	return &fixture{orch: orch, blobs: blobs, vectors: vectors, source: source, inval: inval}
}

func upload(t *testing.T, blobs *blobstore.MemStore, key, content string) {
	t.Helper()
	require.NoError(t, blobs.Upload(context.Background(), key, strings.NewReader(content)))
}

func TestRebuildTradition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upload(t, f.blobs, "herbal/documents/teas.txt", "Chamomile tea aids sleep. Ginger soothes digestion.")
	upload(t, f.blobs, "herbal/documents/notes.md", "# Remedies\nPeppermint relieves headaches.")
	upload(t, f.blobs, "herbal/documents/scan.docx", "unsupported format")

	result, err := f.orch.RebuildTradition(ctx, "herbal")
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{"herbal/documents/teas.txt", "herbal/documents/notes.md"},
		result.ProcessedFiles)
	assert.Equal(t, []string{"herbal/documents/scan.docx"}, result.SkippedFiles)
	assert.Empty(t, result.FailedFiles)
	assert.Greater(t, result.ChunksIndexed, 0)
	assert.Zero(t, result.ChunksFailed)

	info, err := f.vectors.CollectionInfo(ctx, "herbal__knowledge")
	require.NoError(t, err)
	assert.Equal(t, uint64(result.ChunksIndexed), info.PointCount)

	manifest, err := blobstore.ReadManifest(ctx, f.blobs, "herbal")
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, "herbal", manifest.Tradition)
	assert.ElementsMatch(t,
		[]string{"herbal/documents/teas.txt", "herbal/documents/notes.md"},
		manifest.ProcessedFiles)
	assert.False(t, manifest.LastUpdated.IsZero())

	assert.Equal(t, []string{"herbal"}, f.inval.invalidated)
}

func TestRebuildTradition_RecordsStoragePaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upload(t, f.blobs, "demo/documents/a.txt", "Chamomile tea aids sleep.")
	upload(t, f.blobs, "demo/documents/b.txt", "Peppermint relieves headaches.")

	result, err := f.orch.RebuildTradition(ctx, "demo")
	require.NoError(t, err)

	want := []string{"demo/documents/a.txt", "demo/documents/b.txt"}
	assert.ElementsMatch(t, want, result.ProcessedFiles)

	manifest, err := blobstore.ReadManifest(ctx, f.blobs, "demo")
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.ElementsMatch(t, want, manifest.ProcessedFiles,
		"the manifest must reference documents by storage path, not basename")

	provider, err := embeddings.NewLocalProvider(32)
	require.NoError(t, err)
	query, err := provider.EmbedQuery(ctx, "chamomile")
	require.NoError(t, err)

	results, err := f.vectors.Search(ctx, "demo__knowledge", query, 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Contains(t, want, r.Payload["source"],
			"chunk payloads must carry the storage path as source")
	}
}

func TestRebuildTradition_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upload(t, f.blobs, "herbal/documents/teas.txt", "Chamomile tea aids sleep.")

	first, err := f.orch.RebuildTradition(ctx, "herbal")
	require.NoError(t, err)
	second, err := f.orch.RebuildTradition(ctx, "herbal")
	require.NoError(t, err)

	assert.Equal(t, first.ChunksIndexed, second.ChunksIndexed)

	info, err := f.vectors.CollectionInfo(ctx, "herbal__knowledge")
	require.NoError(t, err)
	assert.Equal(t, uint64(first.ChunksIndexed), info.PointCount,
		"rebuilding unchanged content must not grow the collection")
}

func TestRebuildTradition_CorruptDocumentIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upload(t, f.blobs, "herbal/documents/good.txt", "Chamomile tea aids sleep.")
	upload(t, f.blobs, "herbal/documents/broken.pdf", "this is not a real pdf")

	result, err := f.orch.RebuildTradition(ctx, "herbal")
	require.NoError(t, err, "one corrupt document must not fail the rebuild")

	assert.Equal(t, []string{"herbal/documents/good.txt"}, result.ProcessedFiles)
	assert.Equal(t, []string{"herbal/documents/broken.pdf"}, result.FailedFiles)

	manifest, err := blobstore.ReadManifest(ctx, f.blobs, "herbal")
	require.NoError(t, err)
	assert.NotContains(t, manifest.ProcessedFiles, "herbal/documents/broken.pdf")
}

func TestRebuildTradition_EmptyCorpus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.orch.RebuildTradition(ctx, "fresh")
	require.NoError(t, err, "an empty corpus is a successful rebuild")

	assert.Empty(t, result.ProcessedFiles)
	assert.NotNil(t, result.ProcessedFiles)

	info, err := f.vectors.CollectionInfo(ctx, "fresh__knowledge")
	require.NoError(t, err, "the collection must still be ensured")
	assert.Zero(t, info.PointCount)

	manifest, err := blobstore.ReadManifest(ctx, f.blobs, "fresh")
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Empty(t, manifest.ProcessedFiles)
}

func TestRebuildTradition_NormalizesName(t *testing.T) {
	f := newFixture(t)

	upload(t, f.blobs, "ayur_veda/documents/intro.txt", "Doshas describe constitution types.")

	result, err := f.orch.RebuildTradition(context.Background(), "Ayur-Veda")
	require.NoError(t, err)
	assert.Equal(t, "ayur_veda", result.Tradition)
	assert.Equal(t, []string{"ayur_veda/documents/intro.txt"}, result.ProcessedFiles)
}

func TestLocks_MutualExclusion(t *testing.T) {
	locks, err := indexer.NewLocks(t.TempDir())
	require.NoError(t, err)

	release, err := locks.Acquire("herbal")
	require.NoError(t, err)

	_, err = locks.Acquire("herbal")
	assert.ErrorIs(t, err, indexer.ErrRebuildInProgress)

	other, err := locks.Acquire("ayurveda")
	require.NoError(t, err, "different traditions must not block each other")
	other()

	release()

	again, err := locks.Acquire("herbal")
	require.NoError(t, err, "the lock must be reacquirable after release")
	again()
}

func mealEntry(id, userID, name string) *journal.Entry {
	return &journal.Entry{
		ID:        id,
		UserID:    userID,
		EntryKind: journal.KindMeal,
		Payload:   journal.MealPayload{Name: name},
		CreatedAt: time.Now(),
	}
}

func TestIndexEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.entries["e1"] = mealEntry("e1", "alice", "Lentil soup")

	require.NoError(t, f.orch.IndexEntry(ctx, "herbal", "e1", "alice"))

	info, err := f.vectors.CollectionInfo(ctx, "herbal__journal")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.PointCount)
}

func TestIndexEntry_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.entries["e1"] = mealEntry("e1", "alice", "Lentil soup")

	require.NoError(t, f.orch.IndexEntry(ctx, "herbal", "e1", "alice"))
	require.NoError(t, f.orch.IndexEntry(ctx, "herbal", "e1", "alice"))

	info, err := f.vectors.CollectionInfo(ctx, "herbal__journal")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.PointCount,
		"indexing the same entry twice must leave exactly one point")
}

func TestIndexEntry_Missing(t *testing.T) {
	f := newFixture(t)

	err := f.orch.IndexEntry(context.Background(), "herbal", "nope", "alice")
	assert.ErrorIs(t, err, indexer.ErrEntryNotFound)
}

func TestIndexBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.entries["e1"] = mealEntry("e1", "alice", "Lentil soup")
	f.source.entries["e2"] = mealEntry("e2", "alice", "Oat porridge")

	result, err := f.orch.IndexBatch(ctx, "herbal", []indexer.EntryRef{
		{EntryID: "e1", UserID: "alice"},
		{EntryID: "missing", UserID: "alice"},
		{EntryID: "e2", UserID: "alice"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 1, result.Failed)
}

func TestReindexUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.entries["e1"] = mealEntry("e1", "alice", "Lentil soup")
	f.source.entries["e2"] = mealEntry("e2", "alice", "Oat porridge")
	f.source.entries["e3"] = mealEntry("e3", "bob", "Toast")

	result, err := f.orch.ReindexUser(ctx, "herbal",
		"alice", time.Now().Add(-24*time.Hour), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Indexed)
	assert.Zero(t, result.Failed)

	info, err := f.vectors.CollectionInfo(ctx, "herbal__journal")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.PointCount)
}
