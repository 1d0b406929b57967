package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTEIServer(t *testing.T) (*httptest.Server, *teiRequest) {
	t.Helper()
	var last teiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&last))

		// One vector per input, single input accepted as a bare string.
		n := 1
		if inputs, ok := last.Inputs.([]any); ok {
			n = len(inputs)
		}
		vectors := make([][]float32, n)
		for i := range vectors {
			vectors[i] = []float32{0.1, 0.2, 0.3}
		}
		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func TestEmbedDocuments(t *testing.T) {
	srv, last := newTEIServer(t)
	svc, err := NewService(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	vectors, err := svc.EmbedDocuments(context.Background(), []string{"csv export", "dark mode"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vectors[0])
	assert.True(t, last.Truncate)
}

func TestEmbedQuery(t *testing.T) {
	srv, _ := newTEIServer(t)
	svc, err := NewService(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	vector, err := svc.EmbedQuery(context.Background(), "csv export")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
}

func TestEmbedValidation(t *testing.T) {
	srv, _ := newTEIServer(t)
	svc, err := NewService(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = svc.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = NewService(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc, err := NewService(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "csv export")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}
