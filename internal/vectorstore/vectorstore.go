// Package vectorstore provides similarity search over post and signal
// embeddings.
//
// The interpretation stage stores one vector per existing post and one per
// extracted signal, then searches for nearest neighbors above a
// configurable similarity threshold, optionally excluding one id (an
// internally-authored item must not match its own origin post).
package vectorstore

import (
	"context"
	"errors"
)

// Collection names used by the pipeline.
const (
	// CollectionPosts holds one vector per existing feedback post.
	CollectionPosts = "feedback_posts"

	// CollectionSignals holds one vector per extracted signal, kept for
	// audit and future search.
	CollectionSignals = "feedback_signals"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrConnectionFailed indicates a connection problem with an external
	// vector database.
	ErrConnectionFailed = errors.New("failed to connect to vector store")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is a text to be embedded and stored.
type Document struct {
	// ID is the unique identifier (post id or signal id).
	ID string

	// Content is the text to embed.
	Content string

	// Metadata carries additional key-value pairs stored with the vector.
	Metadata map[string]any
}

// Match is one similarity search result.
type Match struct {
	// ID is the matched document's identifier.
	ID string

	// Content is the matched document's text.
	Content string

	// Score is the cosine similarity (higher = more similar).
	Score float32

	// Metadata is the stored document metadata.
	Metadata map[string]any
}

// Query is a similarity search request.
type Query struct {
	// Text is embedded and compared against stored vectors.
	Text string

	// Limit caps the number of results.
	Limit int

	// MinScore drops results below this similarity.
	MinScore float32

	// ExcludeID removes one specific document from the results.
	ExcludeID string
}

// Store is the similarity search boundary.
type Store interface {
	// Upsert embeds and stores documents in the collection, replacing any
	// existing vectors with the same ids.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Search returns matches for the query ordered by similarity,
	// highest first.
	Search(ctx context.Context, collection string, q Query) ([]Match, error)

	// Delete removes documents by id from the collection.
	Delete(ctx context.Context, collection string, ids []string) error

	// Close releases store resources.
	Close() error
}

// filterMatches applies MinScore and ExcludeID post-filters shared by
// implementations.
func filterMatches(matches []Match, q Query) []Match {
	filtered := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.ID == q.ExcludeID {
			continue
		}
		if m.Score < q.MinScore {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered
}
