// Package indexer orchestrates the indexing workflows: full tradition
// rebuilds, single journal-entry indexing, and batch/user reindexing.
// It is the only layer that fails a job; component errors below it are
// classified, logged, and isolated per item.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/havenhealth/indexd/internal/blobstore"
	"github.com/havenhealth/indexd/internal/collections"
	"github.com/havenhealth/indexd/internal/embeddings"
	"github.com/havenhealth/indexd/internal/extract"
	"github.com/havenhealth/indexd/internal/journal"
	"github.com/havenhealth/indexd/internal/vectorstore"
)

var tracer = otel.Tracer("indexd.indexer")

// Orchestrator errors.
var (
	ErrRebuildInProgress = errors.New("rebuild already in progress")
	ErrEntryNotFound     = errors.New("journal entry not found")
)

// Invalidator drops cached retrieval state for a tradition. The
// retriever's engine cache satisfies it.
type Invalidator interface {
	Invalidate(tradition string)
}

// Config holds orchestrator configuration.
type Config struct {
	// DataDir hosts rebuild lock files and temporary downloads.
	DataDir string `koanf:"data_dir"`

	// EmbedConcurrency caps parallel embedding calls during rebuilds.
	EmbedConcurrency int `koanf:"embed_concurrency"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.local/share/indexd"
	}
	if c.EmbedConcurrency == 0 {
		c.EmbedConcurrency = embeddings.DefaultConcurrency
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Blobs    blobstore.Store
	Chunker  *extract.Chunker
	Provider embeddings.Provider
	Vectors  vectorstore.Store

	// Journal may be nil when journal indexing is disabled.
	Journal journal.Source

	// Invalidator may be nil.
	Invalidator Invalidator

	Logger *zap.Logger
}

// Orchestrator coordinates document and journal indexing.
type Orchestrator struct {
	config   Config
	blobs    blobstore.Store
	chunker  *extract.Chunker
	provider embeddings.Provider
	safe     *embeddings.Safe
	dim      int
	vectors  vectorstore.Store
	source   journal.Source
	locks    *Locks
	inval    Invalidator
	logger   *zap.Logger
	metrics  *Metrics
}

// New creates an orchestrator.
func New(config Config, deps Deps) (*Orchestrator, error) {
	if deps.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if deps.Chunker == nil {
		return nil, fmt.Errorf("chunker is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if deps.Vectors == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	dataDir, err := expandDataDir(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("expanding data dir: %w", err)
	}
	config.DataDir = dataDir

	locks, err := NewLocks(filepath.Join(dataDir, "locks"))
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		config:   config,
		blobs:    deps.Blobs,
		chunker:  deps.Chunker,
		provider: deps.Provider,
		safe: embeddings.NewSafe(deps.Provider, embeddings.SafeConfig{
			Concurrency: config.EmbedConcurrency,
		}, logger),
		dim:     deps.Provider.Dimension(),
		vectors: deps.Vectors,
		source:  deps.Journal,
		locks:   locks,
		inval:   deps.Invalidator,
		logger:  logger,
		metrics: NewMetrics(logger),
	}, nil
}

func expandDataDir(dir string) (string, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, dir[1:]), nil
	}
	return dir, nil
}

// RebuildResult summarizes one tradition rebuild.
type RebuildResult struct {
	Tradition      string        `json:"tradition"`
	ProcessedFiles []string      `json:"processed_files"`
	SkippedFiles   []string      `json:"skipped_files,omitempty"`
	FailedFiles    []string      `json:"failed_files,omitempty"`
	ChunksIndexed  int           `json:"chunks_indexed"`
	ChunksFailed   int           `json:"chunks_failed"`
	Duration       time.Duration `json:"duration"`
}

// RebuildTradition rebuilds a tradition's knowledge collection from its
// document corpus. The rebuild is idempotent: the collection is dropped
// and recreated, chunk IDs are derived from content, and the manifest
// reflects exactly the documents that made it in. A document that fails
// to download, extract, or embed is logged and excluded; it never fails
// the rebuild. Concurrent rebuilds of the same tradition are rejected
// with ErrRebuildInProgress.
func (o *Orchestrator) RebuildTradition(ctx context.Context, tradition string) (*RebuildResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.RebuildTradition")
	defer span.End()

	start := time.Now()

	tradition = collections.NormalizeTradition(tradition)
	span.SetAttributes(attribute.String("tradition", tradition))

	knowledgeCol, err := collections.Knowledge(tradition)
	if err != nil {
		return nil, err
	}

	release, err := o.locks.Acquire(tradition)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	o.logger.Info("rebuild started", zap.String("tradition", tradition))

	// Drop and recreate so removed documents disappear from search.
	if err := o.vectors.DeleteCollection(ctx, knowledgeCol); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("deleting collection %s: %w", knowledgeCol, err)
	}
	if err := o.vectors.EnsureCollection(ctx, knowledgeCol, o.dim); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("ensuring collection %s: %w", knowledgeCol, err)
	}

	prefix := blobstore.DocumentsPrefix(tradition)
	objects, err := o.blobs.List(ctx, prefix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing documents for %s: %w", tradition, err)
	}

	result := &RebuildResult{
		Tradition:      tradition,
		ProcessedFiles: []string{},
	}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !extract.Supported(obj.Key) {
			o.logger.Info("skipping unsupported document",
				zap.String("tradition", tradition),
				zap.String("key", obj.Key),
			)
			result.SkippedFiles = append(result.SkippedFiles, obj.Key)
			o.metrics.RecordDocument(ctx, tradition, "skipped")
			continue
		}

		indexed, failed, err := o.indexDocument(ctx, tradition, knowledgeCol, obj.Key)
		if err != nil {
			o.logger.Warn("document failed, excluding from rebuild",
				zap.String("tradition", tradition),
				zap.String("key", obj.Key),
				zap.Error(err),
			)
			result.FailedFiles = append(result.FailedFiles, obj.Key)
			o.metrics.RecordDocument(ctx, tradition, "failed")
			continue
		}

		result.ProcessedFiles = append(result.ProcessedFiles, obj.Key)
		result.ChunksIndexed += indexed
		result.ChunksFailed += failed
		o.metrics.RecordDocument(ctx, tradition, "processed")
		o.metrics.RecordChunks(ctx, tradition, "indexed", indexed)
		o.metrics.RecordChunks(ctx, tradition, "failed", failed)
	}

	manifest := &blobstore.Manifest{
		Tradition:      tradition,
		LastUpdated:    time.Now().UTC(),
		ProcessedFiles: result.ProcessedFiles,
	}
	if err := blobstore.WriteManifest(ctx, o.blobs, manifest); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("writing manifest for %s: %w", tradition, err)
	}

	if o.inval != nil {
		o.inval.Invalidate(tradition)
	}

	result.Duration = time.Since(start)
	o.metrics.RecordRebuild(ctx, tradition, result.Duration)

	span.SetAttributes(
		attribute.Int("processed", len(result.ProcessedFiles)),
		attribute.Int("failed", len(result.FailedFiles)),
		attribute.Int("chunks_indexed", result.ChunksIndexed),
	)
	span.SetStatus(codes.Ok, "success")

	o.logger.Info("rebuild finished",
		zap.String("tradition", tradition),
		zap.Int("processed", len(result.ProcessedFiles)),
		zap.Int("skipped", len(result.SkippedFiles)),
		zap.Int("failed", len(result.FailedFiles)),
		zap.Int("chunks_indexed", result.ChunksIndexed),
		zap.Int("chunks_failed", result.ChunksFailed),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// indexDocument downloads, chunks, embeds, and upserts one document.
// The storage key is the document's identity: it becomes the source_id
// in chunk payloads and the manifest entry. Returns the number of
// chunks indexed and skipped for embedding failures. The temp download
// is removed on every path.
func (o *Orchestrator) indexDocument(ctx context.Context, tradition, collection, key string) (int, int, error) {
	tmpDir, err := os.MkdirTemp(o.config.DataDir, "download-*")
	if err != nil {
		return 0, 0, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dest := filepath.Join(tmpDir, filepath.Base(key))
	if err := o.blobs.Download(ctx, key, dest); err != nil {
		return 0, 0, fmt.Errorf("downloading %s: %w", key, err)
	}

	chunks, err := o.chunker.ExtractAndChunk(ctx, dest)
	if err != nil {
		return 0, 0, fmt.Errorf("extracting %s: %w", key, err)
	}
	if len(chunks) == 0 {
		return 0, 0, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors := o.safe.EmbedBatch(ctx, texts)

	points := make([]vectorstore.Point, 0, len(chunks))
	failed := 0
	for i, chunk := range chunks {
		if vectors[i] == nil {
			failed++
			continue
		}
		points = append(points, vectorstore.Point{
			ID:     chunkID(key, chunk.Page, i, chunk.Text),
			Vector: vectors[i],
			Payload: map[string]interface{}{
				"text":      chunk.Text,
				"source":    key,
				"page":      chunk.Page,
				"tradition": tradition,
				"type":      "knowledge",
			},
		})
	}

	if len(points) == 0 {
		return 0, failed, fmt.Errorf("all %d chunks failed to embed", len(chunks))
	}

	if err := o.vectors.Upsert(ctx, collection, points); err != nil {
		return 0, failed, fmt.Errorf("upserting %d chunks: %w", len(points), err)
	}
	return len(points), failed, nil
}

// chunkID derives a stable chunk identifier from content, so rebuilding
// unchanged documents writes the same points.
func chunkID(sourceID string, page, index int, text string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d:%s", sourceID, page, index, text)))
	return hex.EncodeToString(sum[:])
}

// IndexEntry fetches one journal entry and upserts it into the
// tradition's journal collection, keyed by entry ID so re-indexing
// overwrites. A missing entry is a content error, not a retryable one.
func (o *Orchestrator) IndexEntry(ctx context.Context, tradition, entryID, userID string) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.IndexEntry")
	defer span.End()

	tradition = collections.NormalizeTradition(tradition)
	span.SetAttributes(
		attribute.String("tradition", tradition),
		attribute.String("entry_id", entryID),
	)

	if o.source == nil {
		return fmt.Errorf("journal source not configured")
	}

	entry, err := o.source.EntryByID(ctx, entryID, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("fetching entry %s: %w", entryID, err)
	}
	if entry == nil {
		o.metrics.RecordEntry(ctx, tradition, "failed")
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}

	if err := o.indexEntry(ctx, tradition, entry); err != nil {
		o.metrics.RecordEntry(ctx, tradition, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	o.metrics.RecordEntry(ctx, tradition, "indexed")
	span.SetStatus(codes.Ok, "success")
	return nil
}

// indexEntry embeds and upserts a fetched entry.
func (o *Orchestrator) indexEntry(ctx context.Context, tradition string, entry *journal.Entry) error {
	journalCol, err := collections.Journal(tradition)
	if err != nil {
		return err
	}

	if !entry.Known() {
		o.logger.Warn("unknown entry kind, indexing raw payload",
			zap.String("entry_id", entry.ID),
			zap.String("kind", string(entry.EntryKind)),
		)
	}

	text := entry.Text()
	if text == "" {
		return fmt.Errorf("entry %s has no text representation", entry.ID)
	}

	vec, err := o.provider.EmbedQuery(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding entry %s: %w", entry.ID, err)
	}
	if err := embeddings.ValidateDimension(vec, o.dim); err != nil {
		return fmt.Errorf("entry %s: %w", entry.ID, err)
	}

	if err := o.vectors.EnsureCollection(ctx, journalCol, o.dim); err != nil {
		return fmt.Errorf("ensuring collection %s: %w", journalCol, err)
	}

	point := vectorstore.Point{
		ID:     entry.ID,
		Vector: vec,
		Payload: map[string]interface{}{
			"text":      text,
			"source":    "journal:" + entry.ID,
			"user_id":   entry.UserID,
			"kind":      string(entry.EntryKind),
			"tradition": tradition,
			"type":      "journal",
		},
	}
	if !entry.CreatedAt.IsZero() {
		point.Payload["created_at"] = entry.CreatedAt.UTC().Format(time.RFC3339)
	}

	if err := o.vectors.Upsert(ctx, journalCol, []vectorstore.Point{point}); err != nil {
		return fmt.Errorf("upserting entry %s: %w", entry.ID, err)
	}
	return nil
}

// EntryRef identifies an entry for batch indexing.
type EntryRef struct {
	EntryID string `json:"entry_id"`
	UserID  string `json:"user_id"`
}

// BatchResult aggregates a batch indexing run.
type BatchResult struct {
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

// IndexBatch indexes a list of entries, isolating per-entry failures.
func (o *Orchestrator) IndexBatch(ctx context.Context, tradition string, refs []EntryRef) (*BatchResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.IndexBatch")
	defer span.End()

	tradition = collections.NormalizeTradition(tradition)
	span.SetAttributes(
		attribute.String("tradition", tradition),
		attribute.Int("batch_size", len(refs)),
	)

	result := &BatchResult{}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := o.IndexEntry(ctx, tradition, ref.EntryID, ref.UserID); err != nil {
			o.logger.Warn("batch entry failed",
				zap.String("tradition", tradition),
				zap.String("entry_id", ref.EntryID),
				zap.Error(err),
			)
			result.Failed++
			continue
		}
		result.Indexed++
	}

	span.SetAttributes(
		attribute.Int("indexed", result.Indexed),
		attribute.Int("failed", result.Failed),
	)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

// ReindexUser re-indexes all of a user's entries in a time window.
func (o *Orchestrator) ReindexUser(ctx context.Context, tradition, userID string, start, end time.Time) (*BatchResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.ReindexUser")
	defer span.End()

	tradition = collections.NormalizeTradition(tradition)
	span.SetAttributes(
		attribute.String("tradition", tradition),
		attribute.String("user_id", userID),
	)

	if o.source == nil {
		return nil, fmt.Errorf("journal source not configured")
	}

	entries, err := o.source.ListByUserForPeriod(ctx, userID, start, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing entries for user %s: %w", userID, err)
	}

	result := &BatchResult{}
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := o.indexEntry(ctx, tradition, &entries[i]); err != nil {
			o.logger.Warn("entry reindex failed",
				zap.String("tradition", tradition),
				zap.String("entry_id", entries[i].ID),
				zap.Error(err),
			)
			o.metrics.RecordEntry(ctx, tradition, "failed")
			result.Failed++
			continue
		}
		o.metrics.RecordEntry(ctx, tradition, "indexed")
		result.Indexed++
	}

	span.SetAttributes(
		attribute.Int("indexed", result.Indexed),
		attribute.Int("failed", result.Failed),
	)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}
