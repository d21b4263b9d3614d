package embeddings_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenhealth/indexd/internal/embeddings"
)

func TestDimensionForModel(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  int
	}{
		{name: "bge small", model: "BAAI/bge-small-en-v1.5", want: 384},
		{name: "bge base", model: "BAAI/bge-base-en-v1.5", want: 768},
		{name: "bge large", model: "BAAI/bge-large-en-v1.5", want: 1024},
		{name: "unknown defaults", model: "acme/mystery-model", want: 384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, embeddings.DimensionForModel(tt.model))
		})
	}
}

func TestLocalProvider_Deterministic(t *testing.T) {
	p, err := embeddings.NewLocalProvider(384)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "morning walk by the river")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "morning walk by the river")
	require.NoError(t, err)
	c, err := p.EmbedQuery(ctx, "something else entirely")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same text must produce the same vector")
	assert.NotEqual(t, a, c, "different text must produce a different vector")
	assert.Len(t, a, 384)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4, "vector should be unit normalized")
}

func TestLocalProvider_EmbedDocuments(t *testing.T) {
	p, err := embeddings.NewLocalProvider(64)
	require.NoError(t, err)

	vecs, err := p.EmbedDocuments(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, vec := range vecs {
		assert.Len(t, vec, 64)
	}

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
}

func TestLocalProvider_InvalidDimension(t *testing.T) {
	_, err := embeddings.NewLocalProvider(0)
	assert.ErrorIs(t, err, embeddings.ErrInvalidConfig)
}

func TestTEIProvider(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Inputs any `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n := 1
		if inputs, ok := req.Inputs.([]any); ok {
			n = len(inputs)
		}
		vecs := make([][]float32, n)
		for i := range vecs {
			vecs[i] = []float32{0.1, 0.2, 0.3}
		}
		json.NewEncoder(w).Encode(vecs)
	}))
	defer srv.Close()

	p, err := embeddings.NewTEIProvider(embeddings.TEIConfig{
		BaseURL: srv.URL,
		Model:   "BAAI/bge-small-en-v1.5",
		APIKey:  "secret",
	})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()

	vec, err := p.EmbedQuery(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "Bearer secret", gotAuth)

	vecs, err := p.EmbedDocuments(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)

	assert.Equal(t, 384, p.Dimension())
}

func TestTEIProvider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := embeddings.NewTEIProvider(embeddings.TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)

	_, err = p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
}

// failingProvider fails on specific texts to exercise batch isolation.
type failingProvider struct {
	dimension int
	failOn    map[string]bool
}

func (f *failingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failOn[text] {
			return nil, errors.New("bulk call failed")
		}
		vecs[i] = make([]float32, f.dimension)
	}
	return vecs, nil
}

func (f *failingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.failOn[text] {
		return nil, errors.New("item failed")
	}
	return make([]float32, f.dimension), nil
}

func (f *failingProvider) Dimension() int { return f.dimension }
func (f *failingProvider) Close() error   { return nil }

func TestSafe_EmbedOne(t *testing.T) {
	safe := embeddings.NewSafe(&failingProvider{dimension: 8, failOn: map[string]bool{"bad": true}}, embeddings.SafeConfig{}, nil)

	vec := safe.EmbedOne(context.Background(), "good")
	assert.Len(t, vec, 8)

	vec = safe.EmbedOne(context.Background(), "bad")
	assert.Nil(t, vec, "failed item must come back nil, not error")
}

func TestSafe_EmbedBatch_IsolatesFailures(t *testing.T) {
	safe := embeddings.NewSafe(&failingProvider{dimension: 8, failOn: map[string]bool{"bad": true}}, embeddings.SafeConfig{}, nil)

	vecs := safe.EmbedBatch(context.Background(), []string{"good", "bad", "also good"})
	require.Len(t, vecs, 3)
	assert.NotNil(t, vecs[0])
	assert.Nil(t, vecs[1])
	assert.NotNil(t, vecs[2])
}

// concurrencyProvider always fails bulk calls and tracks how many
// per-item calls overlap.
type concurrencyProvider struct {
	dimension int

	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (c *concurrencyProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("bulk call failed")
}

func (c *concurrencyProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxSeen {
		c.maxSeen = c.inFlight
	}
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return make([]float32, c.dimension), nil
}

func (c *concurrencyProvider) Dimension() int { return c.dimension }
func (c *concurrencyProvider) Close() error   { return nil }

func TestSafe_EmbedBatch_FallbackFansOut(t *testing.T) {
	provider := &concurrencyProvider{dimension: 8}
	safe := embeddings.NewSafe(provider, embeddings.SafeConfig{Concurrency: 4}, nil)

	texts := make([]string, 8)
	for i := range texts {
		texts[i] = "text"
	}

	vecs := safe.EmbedBatch(context.Background(), texts)
	require.Len(t, vecs, 8)
	for _, vec := range vecs {
		assert.NotNil(t, vec)
	}

	provider.mu.Lock()
	maxSeen := provider.maxSeen
	provider.mu.Unlock()
	assert.Greater(t, maxSeen, 1, "per-item retries must overlap")
	assert.LessOrEqual(t, maxSeen, 4, "fan-out must stay within the concurrency cap")
}

func TestSafe_EmbedBatch_ZeroOnFailure(t *testing.T) {
	safe := embeddings.NewSafe(
		&failingProvider{dimension: 8, failOn: map[string]bool{"bad": true}},
		embeddings.SafeConfig{ZeroOnFailure: true},
		nil,
	)

	vecs := safe.EmbedBatch(context.Background(), []string{"bad"})
	require.Len(t, vecs, 1)
	require.Len(t, vecs[0], 8)
	for _, v := range vecs[0] {
		assert.Zero(t, v)
	}
}

func TestSafe_EmbedBatch_Empty(t *testing.T) {
	safe := embeddings.NewSafe(&failingProvider{dimension: 8}, embeddings.SafeConfig{}, nil)
	vecs := safe.EmbedBatch(context.Background(), nil)
	assert.Empty(t, vecs)
}
