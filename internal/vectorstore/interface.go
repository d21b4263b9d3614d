// Package vectorstore provides vector storage backends for chunk
// embeddings. Callers supply precomputed vectors; stores never embed.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Common vectorstore errors.
var (
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrInvalidCollectionName = errors.New("invalid collection name")
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrEmptyPoints           = errors.New("points cannot be empty")
	ErrDimensionMismatch     = errors.New("vector dimension mismatch")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name.
// Pattern: ^[a-z0-9_]{1,64}$
// Rejects uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Point is a single embedded chunk to store.
type Point struct {
	// ID identifies the point. Upserting the same ID replaces the
	// existing point, which is what makes re-indexing idempotent.
	ID string

	// Vector is the precomputed embedding.
	Vector []float32

	// Payload holds chunk text and attribution metadata. Supported
	// value types: string, int, int64, float64, bool.
	Payload map[string]interface{}
}

// SearchResult is a single similarity search hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

// CollectionInfo describes a collection.
type CollectionInfo struct {
	Name       string
	PointCount uint64
	VectorSize int
}

// Store is the interface for vector storage backends.
type Store interface {
	// EnsureCollection creates the collection if it does not exist.
	// Existing collections are left untouched.
	EnsureCollection(ctx context.Context, name string, vectorSize int) error

	// DeleteCollection removes a collection and all its points.
	// Deleting a collection that does not exist is not an error.
	DeleteCollection(ctx context.Context, name string) error

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// Upsert inserts or replaces points by ID.
	// Returns ErrDimensionMismatch if a vector does not match the
	// collection's dimension.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns up to topK nearest points by cosine similarity,
	// best first. Filter entries must all match the point payload.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]SearchResult, error)

	// CollectionInfo returns metadata for a collection, or
	// ErrCollectionNotFound.
	CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)

	// Close releases backend resources.
	Close() error
}
