// Package embeddings provides embedding generation via pluggable providers.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrDimensionMismatch indicates a vector of unexpected length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Provider is the interface for embedding providers.
//
// Implementations are selected by configuration at construction time.
// Batch and query calls return errors; callers that need the
// null-on-failure contract wrap a Provider in Safe.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts,
	// preserving input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for the current model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is the provider type: "tei" or "local".
	Provider string `koanf:"provider"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// BaseURL is the embedding API URL (TEI provider only).
	BaseURL string `koanf:"base_url"`

	// APIKey authenticates against hosted embedding APIs (optional).
	APIKey string `koanf:"api_key"`
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "tei", "":
		return NewTEIProvider(TEIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "local":
		return NewLocalProvider(DimensionForModel(cfg.Model))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// DimensionForModel returns the embedding dimension for a model name.
// Falls back to 384 for unknown models (BGE-small, the default).
func DimensionForModel(model string) int {
	switch model {
	case "BAAI/bge-small-en-v1.5":
		return 384
	case "BAAI/bge-base-en-v1.5":
		return 768
	case "BAAI/bge-large-en-v1.5":
		return 1024
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	}
	switch {
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	default:
		return 384
	}
}

// ValidateDimension checks a vector against the expected size before it
// is written to a collection. Mismatched vectors corrupt collection
// integrity silently, so this is an explicit contract check.
func ValidateDimension(vec []float32, want int) error {
	if len(vec) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), want)
	}
	return nil
}
