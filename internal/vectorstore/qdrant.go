package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("indexd.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334.
	Port int `koanf:"port"`

	// APIKey authenticates against a managed Qdrant instance.
	APIKey string `koanf:"api_key"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// MaxRetries is the maximum number of retry attempts for
	// transient failures. Default: 3.
	MaxRetries int `koanf:"max_retries"`

	// RetryBackoff is the initial backoff duration for retries.
	// Doubles on each retry. Default: 1 second.
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB, to handle large upsert batches.
	MaxMessageSize int `koanf:"max_message_size"`

	// CircuitBreakerThreshold is the number of failures before the
	// circuit opens. Default: 5.
	CircuitBreakerThreshold int `koanf:"circuit_breaker_threshold"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// IsTransientError checks whether an error should be retried.
// Network timeouts and temporary unavailability are transient;
// invalid arguments, not found, and auth failures are not.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store using Qdrant's native gRPC client.
// The gRPC transport (port 6334) avoids the HTTP layer's payload
// limits during bulk indexing.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// dimensions caches the vector size registered per collection.
	dimensions sync.Map

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantStore connects to Qdrant and verifies the connection with a
// health check.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, insecure for production")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client: client,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant store connected",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Bool("tls", config.UseTLS),
	)
	return store, nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}

		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Half-open after cooldown.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// EnsureCollection creates the collection if it does not exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.EnsureCollection")
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

	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("checking collection %s: %w", name, err)
	}

	if !exists {
		err = s.retryOperation(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(vectorSize),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
	}

	s.dimensions.Store(name, vectorSize)
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (s *QdrantStore) collectionExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.retryOperation(ctx, "collection_exists", func() error {
		info, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			st, ok := status.FromError(err)
			if ok && st.Code() == grpccodes.NotFound {
				exists = false
				return nil
			}
			return err
		}
		exists = info != nil
		return nil
	})
	return exists, err
}

// DeleteCollection removes a collection. Absent collections are a no-op.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	err := s.retryOperation(ctx, "delete_collection", func() error {
		err := s.client.DeleteCollection(ctx, name)
		if err != nil {
			st, ok := status.FromError(err)
			if ok && st.Code() == grpccodes.NotFound {
				return nil
			}
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}

	s.dimensions.Delete(name)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// ListCollections returns all collection names.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.ListCollections")
	defer span.End()

	var collections []string
	err := s.retryOperation(ctx, "list_collections", func() error {
		result, err := s.client.ListCollections(ctx)
		if err != nil {
			return err
		}
		collections = result
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	span.SetAttributes(attribute.Int("collection_count", len(collections)))
	span.SetStatus(codes.Ok, "success")
	return collections, nil
}

// Upsert inserts or replaces points by ID.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
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

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point at index %d has empty ID", i)
		}

		payload := make(map[string]*qdrant.Value, len(p.Payload)+1)
		payload["id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: p.ID}}
		for k, v := range p.Payload {
			switch val := v.(type) {
			case string:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
			case int:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
			case int64:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
			case float64:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
			case bool:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
			}
		}

		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      pointUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         qdrantPoints,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

func (s *QdrantStore) checkDimensions(collection string, points []Point) error {
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

// pointUUID maps a point ID onto a Qdrant UUID point id. Non-UUID IDs
// get a deterministic UUIDv5 so re-upserting the same chunk always hits
// the same point. The original ID is preserved in payload["id"].
func pointUUID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

// Search returns up to topK nearest points by cosine similarity.
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]SearchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
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
	const maxTopK = 10000
	if topK > maxTopK {
		topK = maxTopK
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", ErrDimensionMismatch)
	}

	var qdrantFilter *qdrant.Filter
	if len(filter) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filter))
		for key, value := range filter {
			conditions = append(conditions, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: key,
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: value},
						},
					},
				},
			})
		}
		qdrantFilter = &qdrant.Filter{Must: conditions}
	}

	var results []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         qdrantFilter,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		st, ok := status.FromError(err)
		if ok && st.Code() == grpccodes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", collection, err)
	}

	searchResults := make([]SearchResult, len(results))
	for i, point := range results {
		result := SearchResult{Score: point.Score}
		if point.Payload != nil {
			result.Payload = make(map[string]interface{}, len(point.Payload))
			for k, v := range point.Payload {
				switch val := v.Kind.(type) {
				case *qdrant.Value_StringValue:
					result.Payload[k] = val.StringValue
					if k == "id" {
						result.ID = val.StringValue
					}
				case *qdrant.Value_IntegerValue:
					result.Payload[k] = val.IntegerValue
				case *qdrant.Value_DoubleValue:
					result.Payload[k] = val.DoubleValue
				case *qdrant.Value_BoolValue:
					result.Payload[k] = val.BoolValue
				}
			}
		}
		searchResults[i] = result
	}

	span.SetAttributes(attribute.Int("results_count", len(searchResults)))
	span.SetStatus(codes.Ok, "success")
	return searchResults, nil
}

// CollectionInfo returns metadata for a collection.
func (s *QdrantStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.CollectionInfo")
	defer span.End()

	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	var info *CollectionInfo
	err := s.retryOperation(ctx, "collection_info", func() error {
		raw, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		info = &CollectionInfo{
			Name:       name,
			PointCount: raw.GetPointsCount(),
		}
		if params := raw.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
			info.VectorSize = int(params.GetSize())
		}
		return nil
	})
	if err != nil {
		st, ok := status.FromError(err)
		if ok && st.Code() == grpccodes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("getting collection info for %s: %w", name, err)
	}

	span.SetStatus(codes.Ok, "success")
	return info, nil
}

var _ Store = (*QdrantStore)(nil)
