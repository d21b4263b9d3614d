package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// LocalProvider generates deterministic embeddings derived from the
// content hash of the input. It requires no external service and is
// intended for development and tests. Similarity scores are not
// semantically meaningful, but identical text always yields identical
// vectors, so exact-match retrieval and idempotency behave correctly.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a local provider with the given dimension.
func NewLocalProvider(dimension int) (*LocalProvider, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}
	return &LocalProvider{dimension: dimension}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = p.vectorFor(text)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *LocalProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.vectorFor(text), nil
}

// vectorFor expands a content hash into a unit-normalized vector.
func (p *LocalProvider) vectorFor(text string) []float32 {
	vec := make([]float32, p.dimension)
	seed := sha256.Sum256([]byte(text))

	var norm float64
	block := seed[:]
	counter := uint64(0)
	for i := 0; i < p.dimension; i++ {
		off := (i * 4) % len(block)
		if off == 0 && i > 0 {
			counter++
			var next [40]byte
			copy(next[:32], seed[:])
			binary.BigEndian.PutUint64(next[32:], counter)
			sum := sha256.Sum256(next[:])
			block = sum[:]
		}
		bits := binary.BigEndian.Uint32(block[off : off+4])
		v := float32(bits)/float32(math.MaxUint32)*2 - 1
		vec[i] = v
		norm += float64(v) * float64(v)
	}

	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

// Dimension returns the configured embedding dimension.
func (p *LocalProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op for the local provider.
func (p *LocalProvider) Close() error {
	return nil
}

var _ Provider = (*LocalProvider)(nil)
