package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

var qdrantTracer = otel.Tracer("recall.vectorstore.qdrant")

// Payload keys reserved by QdrantStore next to the metadata record.
const (
	payloadContent = "_content"
)

// chunkNamespace derives stable point IDs from chunk IDs that are not UUIDs.
var chunkNamespace = uuid.MustParse("6f1c1c1e-3d4b-4f0e-9a51-6b7f0d1e2a3c")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost"
	Host string

	// Port is the gRPC port (not the REST port). Default: 6334
	Port int

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Collection is the collection name. Default: "recall"
	Collection string

	// Dimension is the embedding length.
	Dimension int

	// Metric selects the collection distance. Default: MetricCosine
	Metric Metric

	// MaxRetries bounds retries of transient gRPC failures. Default: 3
	MaxRetries int

	// RetryBackoff is the initial retry delay. Default: 500ms
	RetryBackoff time.Duration

	// MaxMessageSize is the gRPC message size limit. Default: 50MB
	MaxMessageSize int

	// StatsScanLimit bounds the payload scan behind Stats. Default: 10000
	StatsScanLimit int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "recall"
	}
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.StatsScanLimit == 0 {
		c.StatsScanLimit = 10000
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	if c.Metric != MetricCosine && c.Metric != MetricDot {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, c.Metric)
	}
	return ValidateCollectionName(c.Collection)
}

func (c QdrantConfig) distance() qdrant.Distance {
	if c.Metric == MetricDot {
		return qdrant.Distance_Dot
	}
	return qdrant.Distance_Cosine
}

// IsTransientError reports whether a gRPC failure is worth retrying.
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
	}
	return false
}

// QdrantStore is a Store backed by a remote Qdrant collection. Filters are
// translated to Qdrant conditions and applied server-side before ranking.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	ready  atomic.Bool
	closed atomic.Bool

	mu          sync.Mutex
	stats       Stats
	lastUpdated time.Time
}

// NewQdrantStore connects, health-checks and ensures the collection exists.
func NewQdrantStore(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	logger = logger.With(zap.String("backend", BackendQdrant), zap.String("collection", config.Collection))

	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", ErrStoreUnavailable, err)
	}

	s := &QdrantStore{client: client, config: config, logger: logger}
	if err := s.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	s.ready.Store(true)
	s.refreshStats(ctx)

	logger.Info("qdrant store opened",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Int("dimension", config.Dimension))
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.ensureCollection")
	defer span.End()

	exists, err := retry(ctx, s.config, func() (bool, error) {
		return s.client.CollectionExists(ctx, s.config.Collection)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: checking collection: %v", ErrStoreUnavailable, err)
	}
	if exists {
		return nil
	}

	_, err = retry(ctx, s.config, func() (struct{}, error) {
		return struct{}{}, s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.Dimension),
				Distance: s.config.distance(),
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: creating collection: %v", ErrStoreUnavailable, err)
	}
	s.logger.Info("created qdrant collection")
	return nil
}

// retry runs op with exponential backoff, retrying only transient gRPC
// failures.
func retry[T any](ctx context.Context, cfg QdrantConfig, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBackoff
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransientError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.MaxRetries+1)))
}

func (s *QdrantStore) checkOpen() error {
	if s.closed.Load() || !s.ready.Load() {
		return fmt.Errorf("%w: qdrant store not ready", ErrStoreUnavailable)
	}
	return nil
}

// pointID maps a chunk ID to a Qdrant point ID: UUIDs are used as-is,
// anything else is hashed into a name-based UUID.
func pointID(chunkID string) *qdrant.PointId {
	if _, err := uuid.Parse(chunkID); err == nil {
		return qdrant.NewIDUUID(chunkID)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(chunkNamespace, []byte(chunkID)).String())
}

func toPayload(e Entry) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		switch v.Kind() {
		case metadata.KindString:
			s, _ := v.Str()
			payload[k] = qdrant.NewValueString(s)
		case metadata.KindInt:
			i, _ := v.AsInt()
			payload[k] = qdrant.NewValueInt(i)
		case metadata.KindFloat:
			f, _ := v.AsFloat()
			payload[k] = qdrant.NewValueDouble(f)
		case metadata.KindBool:
			b, _ := v.AsBool()
			payload[k] = qdrant.NewValueBool(b)
		}
	}
	payload[payloadContent] = qdrant.NewValueString(e.Content)
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) (content string, rec metadata.Record) {
	rec = make(metadata.Record, len(payload))
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			if k == payloadContent {
				content = val.StringValue
				continue
			}
			rec[k] = metadata.String(val.StringValue)
		case *qdrant.Value_IntegerValue:
			rec[k] = metadata.Int(val.IntegerValue)
		case *qdrant.Value_DoubleValue:
			rec[k] = metadata.Float(val.DoubleValue)
		case *qdrant.Value_BoolValue:
			rec[k] = metadata.Bool(val.BoolValue)
		}
	}
	return content, rec
}

// Store implements Store.
func (s *QdrantStore) Store(ctx context.Context, documentID string, docMeta metadata.Record, chunks []Chunk, embeddings [][]float32) (ids []string, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Store")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendQdrant, "store", start, err) }()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := buildRecords(s.config.Dimension, documentID, docMeta, chunks, embeddings)
	if err != nil {
		return nil, err
	}
	if err := s.upsert(ctx, entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ids = make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ChunkID
	}
	span.SetAttributes(attribute.Int("points_added", len(ids)))
	return ids, nil
}

func (s *QdrantStore) upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = &qdrant.PointStruct{
			Id:      pointID(e.ChunkID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: toPayload(e),
		}
	}
	_, err := retry(ctx, s.config, func() (*qdrant.UpdateResult, error) {
		return s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
	})
	if err != nil {
		return fmt.Errorf("%w: upserting points: %v", ErrStoreUnavailable, err)
	}
	s.touch()
	s.refreshStats(ctx)
	return nil
}

// Search implements Store.
func (s *QdrantStore) Search(ctx context.Context, query []float32, topK int, filter metadata.Filter) (results []Result, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendQdrant, "search", start, err) }()

	span.SetAttributes(attribute.Int("top_k", topK))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateQuery(s.config.Dimension, query, topK); err != nil {
		return nil, err
	}
	qf, err := TranslateFilter(filter)
	if err != nil {
		return nil, err
	}

	points, err := retry(ctx, s.config, func() ([]*qdrant.ScoredPoint, error) {
		return s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(query...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         qf,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: querying points: %v", ErrStoreUnavailable, err)
	}

	results = make([]Result, 0, len(points))
	for _, p := range points {
		content, rec := fromPayload(p.GetPayload())
		results = append(results, Result{
			ChunkID:  rec.GetString(metadata.KeyChunkID),
			Content:  content,
			Metadata: rec,
			Score:    p.GetScore(),
		})
	}
	span.SetAttributes(attribute.Int("results_count", len(results)))
	return results, nil
}

// TranslateFilter converts a metadata filter into a Qdrant filter. A nil
// filter yields nil.
func TranslateFilter(f metadata.Filter) (*qdrant.Filter, error) {
	if len(f) == 0 {
		return nil, nil
	}
	must := make([]*qdrant.Condition, 0, len(f))
	for _, c := range f {
		qc, err := translateCondition(c)
		if err != nil {
			return nil, err
		}
		must = append(must, qc)
	}
	return &qdrant.Filter{Must: must}, nil
}

func translateCondition(c metadata.Condition) (*qdrant.Condition, error) {
	switch cond := c.(type) {
	case metadata.Eq:
		return matchValue(cond.Key, cond.Value)
	case metadata.In:
		return matchAny(cond.Key, cond.Values)
	case metadata.Gte:
		return qdrant.NewRange(cond.Key, &qdrant.Range{Gte: qdrant.PtrOf(cond.Min)}), nil
	case metadata.Or:
		should := make([]*qdrant.Condition, 0, len(cond))
		for _, sub := range cond {
			qc, err := translateCondition(sub)
			if err != nil {
				return nil, err
			}
			should = append(should, qc)
		}
		return qdrant.NewFilterAsCondition(&qdrant.Filter{Should: should}), nil
	}
	return nil, fmt.Errorf("%w: unsupported filter condition %T", ErrInvalidInput, c)
}

func matchValue(key string, v metadata.Value) (*qdrant.Condition, error) {
	switch v.Kind() {
	case metadata.KindString:
		s, _ := v.Str()
		return qdrant.NewMatchKeyword(key, s), nil
	case metadata.KindBool:
		b, _ := v.AsBool()
		return qdrant.NewMatchBool(key, b), nil
	case metadata.KindInt:
		i, _ := v.AsInt()
		return qdrant.NewMatchInt(key, i), nil
	case metadata.KindFloat:
		f, _ := v.AsFloat()
		return qdrant.NewRange(key, &qdrant.Range{Gte: qdrant.PtrOf(f), Lte: qdrant.PtrOf(f)}), nil
	}
	return nil, fmt.Errorf("%w: invalid value for %q", ErrInvalidInput, key)
}

func matchAny(key string, values []metadata.Value) (*qdrant.Condition, error) {
	var strs []string
	var ints []int64
	for _, v := range values {
		switch v.Kind() {
		case metadata.KindString:
			s, _ := v.Str()
			strs = append(strs, s)
		case metadata.KindInt:
			i, _ := v.AsInt()
			ints = append(ints, i)
		}
	}
	switch {
	case len(strs) == len(values):
		return qdrant.NewMatchKeywords(key, strs...), nil
	case len(ints) == len(values):
		return qdrant.NewMatchInts(key, ints...), nil
	}

	// Mixed kinds: one match per value.
	should := make([]*qdrant.Condition, 0, len(values))
	for _, v := range values {
		qc, err := matchValue(key, v)
		if err != nil {
			return nil, err
		}
		should = append(should, qc)
	}
	return qdrant.NewFilterAsCondition(&qdrant.Filter{Should: should}), nil
}

func documentFilter(documentID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchKeyword(metadata.KeyDocumentID, documentID)}}
}

// Delete implements Store.
func (s *QdrantStore) Delete(ctx context.Context, documentID string) (removed int, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendQdrant, "delete", start, err) }()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if documentID == "" {
		return 0, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}

	filter := documentFilter(documentID)
	count, err := retry(ctx, s.config, func() (uint64, error) {
		return s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Filter:         filter,
			Exact:          qdrant.PtrOf(true),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting points: %v", ErrStoreUnavailable, err)
	}
	if count == 0 {
		return 0, nil
	}

	_, err = retry(ctx, s.config, func() (*qdrant.UpdateResult, error) {
		return s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("%w: deleting points: %v", ErrStoreUnavailable, err)
	}
	s.touch()
	s.refreshStats(ctx)
	return int(count), nil
}

// IsReady implements Store.
func (s *QdrantStore) IsReady() bool { return s.ready.Load() && !s.closed.Load() }

// HealthCheck implements Store.
func (s *QdrantStore) HealthCheck(ctx context.Context) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.HealthCheck")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendQdrant, "health", start, err) }()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: health check: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *QdrantStore) touch() {
	s.mu.Lock()
	s.lastUpdated = timeNow()
	s.mu.Unlock()
}

// refreshStats recounts vectors and scans document and conversation IDs.
// The scan is bounded by StatsScanLimit, so document and conversation
// counts are lower bounds on very large collections.
func (s *QdrantStore) refreshStats(ctx context.Context) {
	vectors, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.config.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		s.logger.Warn("failed to count points", zap.Error(err))
		return
	}
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.config.Collection,
		Limit:          qdrant.PtrOf(uint32(s.config.StatsScanLimit)),
		WithPayload:    qdrant.NewWithPayloadInclude(metadata.KeyDocumentID, metadata.KeyConversationID),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to scan payloads", zap.Error(err))
	}
	docs := make(map[string]struct{})
	convs := make(map[string]struct{})
	for _, p := range points {
		_, rec := fromPayload(p.GetPayload())
		docs[rec.DocumentID()] = struct{}{}
		if c := rec.GetString(metadata.KeyConversationID); c != "" {
			convs[c] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{
		Backend:       BackendQdrant,
		Documents:     len(docs),
		Vectors:       int(vectors),
		Conversations: len(convs),
		Dimension:     s.config.Dimension,
	}
	VectorsTotal.WithLabelValues(BackendQdrant).Set(float64(vectors))
}

// Stats implements Store. Counts are refreshed after every write.
func (s *QdrantStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Backend = BackendQdrant
	st.Dimension = s.config.Dimension
	st.LastUpdated = s.lastUpdated
	return st
}

// Dimension implements Store.
func (s *QdrantStore) Dimension() int { return s.config.Dimension }

// Backend implements Store.
func (s *QdrantStore) Backend() string { return BackendQdrant }

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.ready.Store(false)
	return s.client.Close()
}

// Ensure QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)
