package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

// QdrantConfig holds configuration for an external Qdrant deployment.
type QdrantConfig struct {
	// Host is the Qdrant gRPC host.
	Host string

	// Port is the Qdrant gRPC port.
	Port int

	// APIKey authenticates against Qdrant Cloud. Empty for local.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// VectorSize is the embedding dimension. Must match the embedder.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// QdrantStore implements Store against an external Qdrant instance over
// gRPC. Used when the deployment outgrows the embedded store.
type QdrantStore struct {
	client   *qdrant.Client
	config   QdrantConfig
	embedder Embedder
	logger   *zap.Logger
}

// NewQdrantStore creates a QdrantStore with the given configuration.
func NewQdrantStore(cfg QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant vector store initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("vector_size", cfg.VectorSize),
	)

	return &QdrantStore{client: client, config: cfg, embedder: embedder, logger: logger}, nil
}

// ensureCollection creates the collection if it does not exist.
func (s *QdrantStore) ensureCollection(ctx context.Context, collection string) error {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", collection, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}
	return nil
}

// Upsert embeds and stores documents in the collection.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}
	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		payload := map[string]*qdrant.Value{
			"content": {Kind: &qdrant.Value_StringValue{StringValue: doc.Content}},
		}
		for k, v := range doc.Metadata {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", v)}}
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(doc.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: payload,
		}
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upserting to %s: %w", collection, err)
	}

	s.logger.Debug("upserted vectors",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Search returns matches ordered by similarity, highest first.
func (s *QdrantStore) Search(ctx context.Context, collection string, q Query) ([]Match, error) {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("checking collection %s: %w", collection, err)
	}
	if !exists {
		return []Match{}, nil
	}

	vector, err := s.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	k := q.Limit
	if q.ExcludeID != "" {
		k++
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(q.MinScore),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	matches := make([]Match, 0, len(results))
	for _, point := range results {
		match := Match{
			ID:    point.GetId().GetUuid(),
			Score: point.GetScore(),
		}
		metadata := make(map[string]any)
		for key, value := range point.GetPayload() {
			if key == "content" {
				match.Content = value.GetStringValue()
				continue
			}
			metadata[key] = value.GetStringValue()
		}
		if len(metadata) > 0 {
			match.Metadata = metadata
		}
		matches = append(matches, match)
	}

	matches = filterMatches(matches, q)
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// Delete removes documents by id from the collection.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

var _ Store = (*QdrantStore)(nil)
