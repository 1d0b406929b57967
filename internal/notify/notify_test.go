package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPNotifierSend(t *testing.T) {
	var got mailRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/send", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewHTTPNotifier(HTTPConfig{
		BaseURL: srv.URL,
		APIKey:  "key-1",
		From:    "feedback@acme.test",
	}, zap.NewNop())
	require.NoError(t, err)

	err = n.Send(context.Background(), Notice{
		Kind:        KindCreated,
		Email:       "jo@example.com",
		DisplayName: "Jo",
		PostID:      "post-1",
		PostTitle:   "CSV export",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer key-1", auth)
	assert.Equal(t, "feedback@acme.test", got.From)
	assert.Equal(t, "jo@example.com", got.To)
	assert.Contains(t, got.Subject, "CSV export")
	assert.Contains(t, got.Text, "Hi Jo,")
}

func TestHTTPNotifierReportsAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n, err := NewHTTPNotifier(HTTPConfig{BaseURL: srv.URL, From: "feedback@acme.test"}, zap.NewNop())
	require.NoError(t, err)

	err = n.Send(context.Background(), Notice{Kind: KindMerged, Email: "jo@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPConfigValidate(t *testing.T) {
	_, err := NewHTTPNotifier(HTTPConfig{From: "feedback@acme.test"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewHTTPNotifier(HTTPConfig{BaseURL: "https://mail.acme.test"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRender(t *testing.T) {
	subject, text := render(Notice{Kind: KindMerged, PostTitle: "CSV export"})
	assert.Equal(t, "Your feedback was added to: CSV export", subject)
	assert.Contains(t, text, "Hi there,")
	assert.Contains(t, text, "merged into the existing post")

	subject, text = render(Notice{Kind: KindCreated, DisplayName: "Jo", PostTitle: "CSV export"})
	assert.Equal(t, "Your feedback is now a post: CSV export", subject)
	assert.Contains(t, text, "turned into the post")
	assert.NotContains(t, text, "Reviewed by")
}

func TestRenderCreditsResolver(t *testing.T) {
	_, text := render(Notice{
		Kind:         KindMerged,
		DisplayName:  "Jo",
		PostTitle:    "CSV export",
		ResolverName: "Sam",
	})
	assert.Contains(t, text, "Reviewed by Sam.")
}
