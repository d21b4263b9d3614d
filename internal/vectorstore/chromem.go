package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("indexd.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/indexd/vectorstore"
	}
}

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database with gob file persistence. No external service is
// required, which makes it the default backend for development and
// single-node deployments.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	// dimensions tracks the vector size registered per collection,
	// since chromem does not enforce one itself.
	dimensions sync.Map
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	expandedPath, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}

	if err := os.MkdirAll(expandedPath, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem store initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
	)

	return &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
	}, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbedFunc rejects any attempt by chromem to embed text itself.
// All vectors are computed by the caller and passed in explicitly.
func noEmbedFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("store does not embed, vectors must be precomputed")
}

// EnsureCollection creates the collection if it does not exist.
func (s *ChromemStore) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.EnsureCollection")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("vector_size", vectorSize),
	)

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if vectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}

	if _, err := s.db.GetOrCreateCollection(name, nil, noEmbedFunc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ensuring collection %s: %w", name, err)
	}

	s.dimensions.Store(name, vectorSize)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteCollection removes a collection. Absent collections are a no-op.
func (s *ChromemStore) DeleteCollection(ctx context.Context, name string) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.DeleteCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	if err := s.db.DeleteCollection(name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}

	s.dimensions.Delete(name)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// ListCollections returns all collection names.
func (s *ChromemStore) ListCollections(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	for name := range s.db.ListCollections() {
		names = append(names, name)
	}
	return names, nil
}

// Upsert inserts or replaces points by ID.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("point_count", len(points)),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(points) == 0 {
		return ErrEmptyPoints
	}

	if err := s.checkDimensions(collection, points); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, noEmbedFunc)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting collection %s: %w", collection, err)
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point at index %d has empty ID", i)
		}
		content, metadata := splitPayload(p.Payload)
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   content,
			Metadata:  metadata,
			Embedding: p.Vector,
		}
	}

	// Concurrency of 1 since embeddings are already computed.
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents to %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted points",
		zap.String("collection", collection),
		zap.Int("count", len(points)),
	)
	return nil
}

func (s *ChromemStore) checkDimensions(collection string, points []Point) error {
	want := 0
	if v, ok := s.dimensions.Load(collection); ok {
		want = v.(int)
	}
	for i, p := range points {
		if len(p.Vector) == 0 {
			return fmt.Errorf("%w: point at index %d has no vector", ErrDimensionMismatch, i)
		}
		if want == 0 {
			want = len(p.Vector)
		}
		if len(p.Vector) != want {
			return fmt.Errorf("%w: point at index %d has dimension %d, want %d",
				ErrDimensionMismatch, i, len(p.Vector), want)
		}
	}
	return nil
}

// splitPayload separates chunk text from attribution metadata. chromem
// stores text as document content and metadata as string pairs.
func splitPayload(payload map[string]interface{}) (string, map[string]string) {
	var content string
	metadata := make(map[string]string, len(payload))
	for k, v := range payload {
		if k == "text" {
			if s, ok := v.(string); ok {
				content = s
				continue
			}
		}
		metadata[k] = stringifyValue(v)
	}
	return content, metadata
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Search returns up to topK nearest points by cosine similarity.
func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("top_k", topK),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", ErrDimensionMismatch)
	}

	col := s.db.GetCollection(collection, noEmbedFunc)
	if col == nil {
		span.SetStatus(codes.Error, "collection not found")
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	// chromem requires nResults <= document count.
	docCount := col.Count()
	if docCount == 0 {
		return []SearchResult{}, nil
	}
	if topK > docCount {
		topK = docCount
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	searchResults := make([]SearchResult, len(results))
	for i, r := range results {
		payload := make(map[string]interface{}, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			payload[k] = v
		}
		payload["text"] = r.Content
		searchResults[i] = SearchResult{
			ID:      r.ID,
			Score:   r.Similarity,
			Payload: payload,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(searchResults)))
	span.SetStatus(codes.Ok, "success")
	return searchResults, nil
}

// CollectionInfo returns metadata for a collection.
func (s *ChromemStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	col := s.db.GetCollection(name, noEmbedFunc)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	info := &CollectionInfo{
		Name:       name,
		PointCount: uint64(col.Count()),
	}
	if v, ok := s.dimensions.Load(name); ok {
		info.VectorSize = v.(int)
	}
	return info, nil
}

// Close is a no-op since chromem persists synchronously.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
