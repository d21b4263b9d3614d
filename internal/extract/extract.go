// Package extract converts source documents into ordered text chunks.
//
// PDF and plain-text files are loaded via langchaingo document loaders
// and split with a recursive character splitter using a fixed chunk
// size and overlap. The overlap keeps cross-boundary context intact;
// it must stay above zero.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"
)

const (
	// DefaultChunkSize is the chunk size in characters.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is the overlap between consecutive chunks.
	DefaultChunkOverlap = 200
)

var (
	// ErrUnsupported is returned for file types the chunker skips.
	ErrUnsupported = errors.New("unsupported document type")

	// ErrInvalidConfig indicates invalid chunking configuration.
	ErrInvalidConfig = errors.New("invalid chunker configuration")
)

// Chunk is a bounded span of extracted text plus positional metadata.
type Chunk struct {
	// Text is the chunk content.
	Text string

	// Page is the 1-based source page. Plain-text files are page 1.
	Page int
}

// Chunker extracts and splits documents into chunks.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
	logger       *zap.Logger
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize overrides the default chunk size.
func WithChunkSize(size int) Option {
	return func(c *Chunker) { c.chunkSize = size }
}

// WithChunkOverlap overrides the default chunk overlap.
func WithChunkOverlap(overlap int) Option {
	return func(c *Chunker) { c.chunkOverlap = overlap }
}

// NewChunker creates a Chunker with the given options.
func NewChunker(logger *zap.Logger, opts ...Option) (*Chunker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chunker{
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	}
	if c.chunkOverlap <= 0 || c.chunkOverlap >= c.chunkSize {
		return nil, fmt.Errorf("%w: overlap must be in (0, chunk size)", ErrInvalidConfig)
	}
	return c, nil
}

// Supported reports whether the chunker can process the given path.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".txt", ".md":
		return true
	default:
		return false
	}
}

// ExtractAndChunk loads the file at path and returns its chunks in
// document order. Unsupported types return ErrUnsupported so callers
// can skip them without treating it as a content failure.
func (c *Chunker) ExtractAndChunk(ctx context.Context, path string) ([]Chunk, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !Supported(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.chunkSize),
		textsplitter.WithChunkOverlap(c.chunkOverlap),
	)

	var docs []schema.Document
	switch ext {
	case ".pdf":
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		docs, err = documentloaders.NewPDF(f, info.Size()).LoadAndSplit(ctx, splitter)
		if err != nil {
			return nil, fmt.Errorf("extracting pdf %s: %w", path, err)
		}
	case ".txt", ".md":
		docs, err = documentloaders.NewText(f).LoadAndSplit(ctx, splitter)
		if err != nil {
			return nil, fmt.Errorf("extracting text %s: %w", path, err)
		}
	}

	chunks := make([]Chunk, 0, len(docs))
	for _, doc := range docs {
		text := strings.TrimSpace(doc.PageContent)
		if text == "" {
			continue
		}
		chunks = append(chunks, Chunk{Text: text, Page: pageOf(doc)})
	}

	c.logger.Debug("extracted document",
		zap.String("path", filepath.Base(path)),
		zap.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

// pageOf reads the page number the PDF loader records in metadata.
// Text documents carry no page metadata and map to page 1.
func pageOf(doc schema.Document) int {
	switch v := doc.Metadata["page"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return 1
}
