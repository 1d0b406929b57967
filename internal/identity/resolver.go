// Package identity resolves feedback authors to stable internal
// identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/fyrsmithlabs/feedbackd/internal/ingest"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"go.uber.org/zap"
)

// defaultExternalDomain is the domain used for synthesized placeholder
// emails when an external user has no email at all.
const defaultExternalDomain = "feedbackd.dev"

// Resolver maps author descriptors to internal identities, creating them
// lazily. All creation paths are idempotent against races: identity
// lookups run before inserts and mapping inserts ignore conflicts.
type Resolver struct {
	db     *store.DB
	domain string
	logger *zap.Logger
}

// NewResolver creates a resolver. domain is the tenant domain used in
// synthesized placeholder emails; empty uses a default.
func NewResolver(db *store.DB, domain string, logger *zap.Logger) (*Resolver, error) {
	if db == nil {
		return nil, errors.New("store cannot be nil")
	}
	if domain == "" {
		domain = defaultExternalDomain
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: db, domain: domain, logger: logger}, nil
}

// Resolve maps an author descriptor to an identity id, creating identity
// and mapping rows as needed. Resolution order, first match wins:
//
//  1. an already-known identity id on the descriptor
//  2. a normalized email
//  3. a (source type, external user id) mapping
//
// Returns empty string when the descriptor carries none of the three
// signals; the pipeline continues without an attributable identity.
func (r *Resolver) Resolve(ctx context.Context, author ingest.Author, sourceType string) (string, error) {
	if author.IdentityID != "" {
		// Verify the claimed identity still exists. A deleted identity falls
		// through to the remaining resolution signals.
		if _, err := r.db.GetIdentity(ctx, author.IdentityID); err == nil {
			return author.IdentityID, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("verifying identity: %w", err)
		}
	}

	email := normalizeEmail(author.Email)

	if email != "" && author.ExternalUserID == "" {
		return r.resolveByEmail(ctx, email, author.Name)
	}

	if author.ExternalUserID != "" {
		return r.resolveByExternalID(ctx, sourceType, author.ExternalUserID, email, author.Name)
	}

	return "", nil
}

// resolveByEmail finds or creates an identity for the email.
func (r *Resolver) resolveByEmail(ctx context.Context, email, name string) (string, error) {
	existing, err := r.db.FindIdentityByEmail(ctx, email)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("looking up identity by email: %w", err)
	}
	return r.createIdentity(ctx, email, name)
}

// resolveByExternalID finds or creates a (source type, external user id)
// mapping.
func (r *Resolver) resolveByExternalID(ctx context.Context, sourceType, externalUserID, email, name string) (string, error) {
	identityID, err := r.db.FindExternalMapping(ctx, sourceType, externalUserID)
	if err == nil {
		return identityID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("looking up external mapping: %w", err)
	}

	if email != "" {
		identityID, err = r.resolveByEmail(ctx, email, name)
	} else {
		// No email anywhere: synthesize a stable placeholder so the user
		// still gets one identity across events.
		placeholder := fmt.Sprintf("%s+%s@external.%s", sourceType, externalUserID, r.domain)
		identityID, err = r.createIdentity(ctx, placeholder, name)
	}
	if err != nil {
		return "", err
	}

	// Record the mapping for future lookups. Ignore-on-conflict: a
	// concurrent resolution of the same user is harmless.
	if err := r.db.InsertExternalMapping(ctx, sourceType, externalUserID, identityID); err != nil {
		return "", fmt.Errorf("recording external mapping: %w", err)
	}
	return identityID, nil
}

// createIdentity inserts a new identity, tolerating a concurrent insert of
// the same email.
func (r *Resolver) createIdentity(ctx context.Context, email, name string) (string, error) {
	if name == "" {
		name = emailLocalPart(email)
	}

	id := &store.Identity{
		ID:          uuid.New().String(),
		Email:       email,
		DisplayName: name,
	}
	if err := r.db.InsertIdentity(ctx, id); err != nil {
		// Unique email constraint: a racing resolver may have created the
		// identity first.
		if winner, lookupErr := r.db.FindIdentityByEmail(ctx, email); lookupErr == nil {
			return winner.ID, nil
		}
		return "", fmt.Errorf("creating identity: %w", err)
	}

	r.logger.Debug("identity created",
		zap.String("identity_id", id.ID),
		zap.String("email", email))
	return id.ID, nil
}

// normalizeEmail lower-cases and trims an email address.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// emailLocalPart returns the part before the @, the fallback display name.
func emailLocalPart(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return email
}
