package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/feedbackd/internal/ingest"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestResolver(t *testing.T) (*Resolver, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r, err := NewResolver(db, "acme.test", zap.NewNop())
	require.NoError(t, err)
	return r, db
}

func TestResolveKnownIdentityID(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, db.InsertIdentity(ctx, &store.Identity{
		ID: "identity-1", Email: "jo@example.com", DisplayName: "Jo",
	}))

	id, err := r.Resolve(ctx, ingest.Author{IdentityID: "identity-1"}, "widget")
	require.NoError(t, err)
	assert.Equal(t, "identity-1", id)
}

func TestResolveDeletedIdentityFallsThrough(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	// The claimed identity does not exist; with an email present the
	// resolver creates a fresh identity instead.
	id, err := r.Resolve(ctx, ingest.Author{
		IdentityID: "gone",
		Email:      "jo@example.com",
	}, "widget")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotEqual(t, "gone", id)
}

func TestResolveByEmailCreatesOnce(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, ingest.Author{Email: "Jo@Example.com"}, "email")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, ingest.Author{Email: "jo@example.com "}, "email")
	require.NoError(t, err)

	// Normalization makes case and whitespace variants the same person.
	assert.Equal(t, first, second)

	identity, err := db.GetIdentity(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "jo@example.com", identity.Email)
	// Display name falls back to the email local part.
	assert.Equal(t, "jo", identity.DisplayName)
}

func TestResolveExternalIDWithEmail(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	id, err := r.Resolve(ctx, ingest.Author{
		Email:          "jo@example.com",
		ExternalUserID: "u_42",
		Name:           "Jo",
	}, "intercom")
	require.NoError(t, err)

	// The mapping is recorded for future email-less events.
	mapped, err := db.FindExternalMapping(ctx, "intercom", "u_42")
	require.NoError(t, err)
	assert.Equal(t, id, mapped)

	// The same external user without an email now resolves via the mapping.
	again, err := r.Resolve(ctx, ingest.Author{ExternalUserID: "u_42"}, "intercom")
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestResolveExternalIDWithoutEmailSynthesizesPlaceholder(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	id, err := r.Resolve(ctx, ingest.Author{ExternalUserID: "u_99"}, "slack")
	require.NoError(t, err)

	identity, err := db.GetIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "slack+u_99@external.acme.test", identity.Email)

	// Stable across events: the mapping wins before the placeholder is
	// ever synthesized again.
	again, err := r.Resolve(ctx, ingest.Author{ExternalUserID: "u_99"}, "slack")
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestResolveNothingToGoOn(t *testing.T) {
	r, _ := newTestResolver(t)

	id, err := r.Resolve(context.Background(), ingest.Author{Name: "Anonymous"}, "email")
	require.NoError(t, err)
	assert.Empty(t, id)
}
