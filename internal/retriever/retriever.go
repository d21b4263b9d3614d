// Package retriever turns natural-language queries into ranked context
// documents for the downstream generation step.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/havenhealth/indexd/internal/collections"
	"github.com/havenhealth/indexd/internal/embeddings"
	"github.com/havenhealth/indexd/internal/vectorstore"
)

var tracer = otel.Tracer("indexd.retriever")

// DefaultTopK is the number of context documents returned when the
// request does not specify one.
const DefaultTopK = 5

// Request describes one retrieval.
type Request struct {
	// Query is the natural-language query.
	Query string

	// UserID scopes journal results. Required when IncludeJournal
	// is set.
	UserID string

	// TopK caps the number of returned documents. Zero means
	// DefaultTopK.
	TopK int

	// IncludeJournal merges the user's journal collection into the
	// results. Off by default.
	IncludeJournal bool
}

// ContextDocument is one ranked retrieval hit.
type ContextDocument struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float32 `json:"score"`
}

// Engine retrieves context for a single tradition.
type Engine struct {
	tradition    string
	knowledgeCol string
	journalCol   string
	provider     embeddings.Provider
	store        vectorstore.Store
	logger       *zap.Logger
}

// NewEngine creates a retrieval engine for a tradition.
func NewEngine(tradition string, provider embeddings.Provider, store vectorstore.Store, logger *zap.Logger) (*Engine, error) {
	normalized := collections.NormalizeTradition(tradition)

	knowledgeCol, err := collections.Knowledge(normalized)
	if err != nil {
		return nil, err
	}
	journalCol, err := collections.Journal(normalized)
	if err != nil {
		return nil, err
	}

	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tradition:    normalized,
		knowledgeCol: knowledgeCol,
		journalCol:   journalCol,
		provider:     provider,
		store:        store,
		logger:       logger,
	}, nil
}

// Tradition returns the engine's normalized tradition.
func (e *Engine) Tradition() string {
	return e.tradition
}

// Retrieve embeds the query, searches the tradition's knowledge
// collection (and optionally the user's journal entries), and returns
// hits in descending score order, at most TopK.
//
// An embedding failure yields an empty result set, not an error. The
// generation step must handle "no context" anyway, and a degraded
// answer beats a failed request.
func (e *Engine) Retrieve(ctx context.Context, req Request) ([]ContextDocument, error) {
	ctx, span := tracer.Start(ctx, "Engine.Retrieve")
	defer span.End()

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	span.SetAttributes(
		attribute.String("tradition", e.tradition),
		attribute.Int("top_k", topK),
		attribute.Bool("include_journal", req.IncludeJournal),
	)

	if req.Query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if req.IncludeJournal && req.UserID == "" {
		return nil, fmt.Errorf("user ID required for journal retrieval")
	}

	vector, err := e.provider.EmbedQuery(ctx, req.Query)
	if err != nil {
		e.logger.Warn("query embedding failed, returning empty context",
			zap.String("tradition", e.tradition),
			zap.Error(err),
		)
		span.SetStatus(codes.Ok, "embedding failed, empty result")
		return []ContextDocument{}, nil
	}

	docs, err := e.search(ctx, e.knowledgeCol, vector, topK, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if req.IncludeJournal {
		journalDocs, err := e.search(ctx, e.journalCol, vector, topK,
			map[string]string{"user_id": req.UserID})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		docs = append(docs, journalDocs...)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].Score > docs[j].Score
	})
	if len(docs) > topK {
		docs = docs[:topK]
	}

	span.SetAttributes(attribute.Int("results_count", len(docs)))
	span.SetStatus(codes.Ok, "success")
	return docs, nil
}

// search queries one collection. A collection that does not exist yet
// (tradition never rebuilt, user never journaled) yields no results.
func (e *Engine) search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]ContextDocument, error) {
	results, err := e.store.Search(ctx, collection, vector, topK, filter)
	if err != nil {
		if errors.Is(err, vectorstore.ErrCollectionNotFound) {
			e.logger.Debug("collection absent, skipping",
				zap.String("collection", collection),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}

	docs := make([]ContextDocument, 0, len(results))
	for _, r := range results {
		docs = append(docs, ContextDocument{
			Text:   payloadString(r.Payload, "text"),
			Source: formatSource(r.Payload),
			Score:  r.Score,
		})
	}
	return docs, nil
}

// formatSource builds a human-readable attribution string from the
// point payload.
func formatSource(payload map[string]interface{}) string {
	source := payloadString(payload, "source")
	if source == "" {
		return "unknown"
	}
	if page := payloadString(payload, "page"); page != "" && page != "0" {
		return fmt.Sprintf("%s (page %s)", source, page)
	}
	return source
}

// payloadString reads a payload value as a string regardless of which
// backend stored it. chromem stringifies everything, qdrant keeps
// integer and double types.
func payloadString(payload map[string]interface{}, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
