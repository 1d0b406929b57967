// Package notify sends attribution notices to feedback authors when their
// feedback becomes, or is merged into, a public post.
//
// Delivery is fire and forget: the review flow must never fail because an
// email could not be sent, so callers log notifier errors and move on.
package notify

import (
	"context"
	"errors"
)

// Notice kinds.
const (
	// KindMerged tells the author their feedback was merged into an
	// existing post.
	KindMerged = "merged"

	// KindCreated tells the author their feedback became a new post.
	KindCreated = "created"
)

// ErrNotConfigured is returned when no delivery endpoint is configured.
var ErrNotConfigured = errors.New("notifier not configured")

// Notice is one attribution message to an author. ResolverName, when
// known, credits the reviewer who acted on the feedback.
type Notice struct {
	Kind         string `json:"kind"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName,omitempty"`
	PostID       string `json:"postId"`
	PostTitle    string `json:"postTitle"`
	ResolverName string `json:"resolverName,omitempty"`
}

// Notifier delivers attribution notices.
type Notifier interface {
	// Send delivers one notice. Implementations return an error on
	// delivery failure; callers treat it as non-fatal.
	Send(ctx context.Context, n Notice) error
}

// NopNotifier discards all notices. Used when no mail endpoint is
// configured and in tests.
type NopNotifier struct{}

// Send discards the notice.
func (NopNotifier) Send(ctx context.Context, n Notice) error { return nil }

var _ Notifier = NopNotifier{}
