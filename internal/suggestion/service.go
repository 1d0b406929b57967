// Package suggestion applies human review decisions to pipeline
// suggestions.
//
// Accepting a suggestion performs the real action, merging into or
// creating a feedback post, then records who resolved it. The pending
// state guard on resolution makes concurrent reviews safe: exactly one
// accept wins, everyone else gets an invalid-state error.
package suggestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/fyrsmithlabs/feedbackd/internal/notify"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/vectorstore"
	"go.uber.org/zap"
)

// suggestionTTL is how long a pending suggestion stays actionable.
const suggestionTTL = 30 * 24 * time.Hour

// Sentinel errors for review actions.
var (
	// ErrWrongType means the suggestion is not of the type the action
	// expects.
	ErrWrongType = errors.New("suggestion has wrong type for this action")

	// ErrNoCollection means a create suggestion cannot be accepted because
	// no target collection was resolvable.
	ErrNoCollection = errors.New("no target collection for new post")
)

// Edits are reviewer-supplied overrides applied when accepting a create
// suggestion. Empty fields fall back to the suggestion's stored values.
type Edits struct {
	Title        string
	Body         string
	CollectionID string
}

// Service applies review decisions.
type Service struct {
	db       *store.DB
	vectors  vectorstore.Store
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewService creates the review service. notifier may be a NopNotifier;
// it must not be nil.
func NewService(db *store.DB, vectors vectorstore.Store, notifier notify.Notifier, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("store cannot be nil")
	}
	if vectors == nil {
		return nil, errors.New("vector store cannot be nil")
	}
	if notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, vectors: vectors, notifier: notifier, logger: logger}, nil
}

// AcceptMerge merges the suggestion's item into the target post.
//
// An internally-authored item marks its origin post as a duplicate of the
// target. A connector-sourced item casts the author's vote on the target,
// counting it only when the vote row is newly inserted so retries cannot
// double-count. Either way the author, when known, is subscribed to the
// target and notified.
func (s *Service) AcceptMerge(ctx context.Context, suggestionID, resolverID string) error {
	sugg, err := s.db.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return fmt.Errorf("loading suggestion: %w", err)
	}
	if sugg.Type != store.SuggestionMergePost {
		return fmt.Errorf("%w: %s is %s", ErrWrongType, suggestionID, sugg.Type)
	}

	item, err := s.db.GetItem(ctx, sugg.ItemID)
	if err != nil {
		return fmt.Errorf("loading item: %w", err)
	}
	target, err := s.db.GetPost(ctx, sugg.TargetPostID)
	if err != nil {
		return fmt.Errorf("loading target post: %w", err)
	}

	// The claim and its effects commit together: the pending guard lets
	// exactly one concurrent accept proceed, and a failed effect rolls the
	// claim back so the suggestion stays actionable.
	err = s.db.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.ResolveSuggestion(ctx, suggestionID, store.SuggestionAccepted, resolverID, target.ID); err != nil {
			return fmt.Errorf("resolving suggestion: %w", err)
		}
		if item.OriginPostID != "" {
			if err := tx.SetPostCanonical(ctx, item.OriginPostID, target.ID, item.ID); err != nil {
				return fmt.Errorf("marking origin post duplicate: %w", err)
			}
		} else if item.IdentityID != "" {
			inserted, err := tx.InsertVote(ctx, target.ID, item.IdentityID)
			if err != nil {
				return fmt.Errorf("recording vote: %w", err)
			}
			if inserted {
				if err := tx.IncrementPostVotes(ctx, target.ID); err != nil {
					return fmt.Errorf("counting vote: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if item.OriginPostID != "" {
		// The origin post's own vector must not match future searches.
		if err := s.vectors.Delete(ctx, vectorstore.CollectionPosts, []string{item.OriginPostID}); err != nil {
			s.logger.Warn("removing merged post vector failed",
				zap.String("post_id", item.OriginPostID), zap.Error(err))
		}
	}

	s.subscribeAndNotify(ctx, item.IdentityID, target, "feedback_merged", notify.KindMerged, resolverID)

	s.logger.Info("merge suggestion accepted",
		zap.String("suggestion_id", suggestionID),
		zap.String("item_id", item.ID),
		zap.String("target_post_id", target.ID),
		zap.String("resolved_by", resolverID))
	return nil
}

// AcceptCreate creates the suggested post. Reviewer edits override the
// drafted title, body, and collection; a collection must come from one of
// the two or the accept fails.
func (s *Service) AcceptCreate(ctx context.Context, suggestionID, resolverID string, edits Edits) (*store.Post, error) {
	sugg, err := s.db.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("loading suggestion: %w", err)
	}
	if sugg.Type != store.SuggestionCreatePost {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongType, suggestionID, sugg.Type)
	}

	title := firstNonEmpty(edits.Title, sugg.Title)
	body := firstNonEmpty(edits.Body, sugg.Body)
	collectionID := firstNonEmpty(edits.CollectionID, sugg.CollectionID)
	if collectionID == "" {
		return nil, ErrNoCollection
	}
	if _, err := s.db.GetCollection(ctx, collectionID); err != nil {
		return nil, fmt.Errorf("loading collection: %w", err)
	}

	item, err := s.db.GetItem(ctx, sugg.ItemID)
	if err != nil {
		return nil, fmt.Errorf("loading item: %w", err)
	}

	// The post is authored by the feedback author; the reviewer only
	// stands in when the author was never resolved.
	authorID := item.IdentityID
	if authorID == "" {
		authorID = resolverID
	}

	post := &store.Post{
		ID:               uuid.New().String(),
		CollectionID:     collectionID,
		Title:            title,
		Body:             body,
		AuthorIdentityID: authorID,
		VoteCount:        1,
	}

	// Claim, post, and author vote land atomically so the resolved
	// suggestion can never point at a post that was not created.
	err = s.db.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.ResolveSuggestion(ctx, suggestionID, store.SuggestionAccepted, resolverID, post.ID); err != nil {
			return fmt.Errorf("resolving suggestion: %w", err)
		}
		if err := tx.InsertPost(ctx, post); err != nil {
			return fmt.Errorf("creating post: %w", err)
		}
		if _, err := tx.InsertVote(ctx, post.ID, authorID); err != nil {
			return fmt.Errorf("recording author vote: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.indexPost(ctx, post)

	if item.IdentityID != "" {
		reason := "feedback_created"
		kind := notify.KindCreated
		if item.IdentityID == resolverID {
			// Reviewers do not need a notice about their own action, but
			// they still follow the post.
			kind = ""
		}
		s.subscribeAndNotify(ctx, item.IdentityID, post, reason, kind, resolverID)
	}

	s.logger.Info("create suggestion accepted",
		zap.String("suggestion_id", suggestionID),
		zap.String("post_id", post.ID),
		zap.String("resolved_by", resolverID))
	return post, nil
}

// Dismiss marks a pending suggestion dismissed. Already-resolved
// suggestions are left alone.
func (s *Service) Dismiss(ctx context.Context, suggestionID, resolverID string) error {
	err := s.db.ResolveSuggestion(ctx, suggestionID, store.SuggestionDismissed, resolverID, "")
	if errors.Is(err, store.ErrInvalidState) {
		s.logger.Debug("dismiss skipped, suggestion already resolved",
			zap.String("suggestion_id", suggestionID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("dismissing suggestion: %w", err)
	}
	s.logger.Info("suggestion dismissed",
		zap.String("suggestion_id", suggestionID),
		zap.String("resolved_by", resolverID))
	return nil
}

// ExpireStale moves all pending suggestions past their TTL to expired and
// returns how many were affected.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-suggestionTTL)
	count, err := s.db.ExpireSuggestionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expiring suggestions: %w", err)
	}
	if count > 0 {
		s.logger.Info("stale suggestions expired", zap.Int64("count", count))
	}
	return count, nil
}

// IndexPost stores the post's vector so future interpretation runs can
// find it. Exposed for backfills and post-creation outside the review
// flow.
func (s *Service) IndexPost(ctx context.Context, post *store.Post) error {
	return s.vectors.Upsert(ctx, vectorstore.CollectionPosts, []vectorstore.Document{{
		ID:      post.ID,
		Content: post.Title + "\n" + post.Body,
		Metadata: map[string]any{
			"collection_id": post.CollectionID,
		},
	}})
}

// indexPost is the fire-and-forget variant used inside accept flows.
func (s *Service) indexPost(ctx context.Context, post *store.Post) {
	if err := s.IndexPost(ctx, post); err != nil {
		s.logger.Warn("indexing post failed",
			zap.String("post_id", post.ID), zap.Error(err))
	}
}

// subscribeAndNotify subscribes the identity to the post and sends an
// attribution notice. Both are fire and forget; kind may be empty to
// subscribe without notifying.
func (s *Service) subscribeAndNotify(ctx context.Context, identityID string, post *store.Post, reason, kind, resolverID string) {
	if identityID == "" {
		return
	}
	if err := s.db.InsertSubscription(ctx, post.ID, identityID, reason); err != nil {
		s.logger.Warn("subscribing author failed",
			zap.String("post_id", post.ID),
			zap.String("identity_id", identityID),
			zap.Error(err))
	}
	if kind == "" {
		return
	}

	author, err := s.db.GetIdentity(ctx, identityID)
	if err != nil {
		s.logger.Warn("loading author for notice failed",
			zap.String("identity_id", identityID), zap.Error(err))
		return
	}
	// Placeholder addresses are synthetic and undeliverable.
	if strings.Contains(author.Email, "@external.") {
		return
	}

	var resolverName string
	if resolverID != "" && resolverID != identityID {
		if resolver, err := s.db.GetIdentity(ctx, resolverID); err == nil {
			resolverName = resolver.DisplayName
		}
	}

	if err := s.notifier.Send(ctx, notify.Notice{
		Kind:         kind,
		Email:        author.Email,
		DisplayName:  author.DisplayName,
		PostID:       post.ID,
		PostTitle:    post.Title,
		ResolverName: resolverName,
	}); err != nil {
		s.logger.Warn("sending attribution notice failed",
			zap.String("post_id", post.ID),
			zap.String("identity_id", identityID),
			zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
