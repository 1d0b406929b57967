package vectorstore

import (
	"context"
	"fmt"
	"os"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means in-memory
	// only (tests).
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database. No external service is needed, which keeps the default
// deployment a single binary plus a data directory.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	logger   *zap.Logger
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(cfg ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem vector store initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
	)

	return &ChromemStore{db: db, embedder: embedder, logger: logger}, nil
}

// embeddingFunc adapts the Embedder interface to chromem's EmbeddingFunc.
func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// Upsert embeds and stores documents in the collection.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, s.embeddingFunc())
	if err != nil {
		return fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}

	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  metadataToString(doc.Metadata),
			Embedding: embeddings[i],
		}
	}

	if err := col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		return fmt.Errorf("adding documents to %s: %w", collection, err)
	}

	s.logger.Debug("upserted vectors",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Search returns matches ordered by similarity, highest first.
func (s *ChromemStore) Search(ctx context.Context, collection string, q Query) ([]Match, error) {
	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		// No vectors stored yet: nothing can match.
		return []Match{}, nil
	}

	// chromem requires nResults <= doc count. Fetch one extra so an
	// excluded id does not eat a slot.
	k := q.Limit
	if q.ExcludeID != "" {
		k++
	}
	docCount := col.Count()
	if docCount == 0 {
		return []Match{}, nil
	}
	if k > docCount {
		k = docCount
	}

	results, err := col.Query(ctx, q.Text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: metadataFromString(r.Metadata),
		}
	}

	matches = filterMatches(matches, q)
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// Delete removes documents by id from the collection.
func (s *ChromemStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return nil
}

// Close releases store resources. chromem persists on write, so this is a
// no-op.
func (s *ChromemStore) Close() error {
	return nil
}

// metadataToString converts metadata to chromem's string map format.
func metadataToString(metadata map[string]any) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// metadataFromString converts chromem metadata back to the generic form.
func metadataFromString(metadata map[string]string) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

var _ Store = (*ChromemStore)(nil)
