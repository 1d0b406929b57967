package store

import "time"

// ItemState is the processing state of a raw feedback item.
//
// These values are a durable contract: dashboards and exports read them
// straight from the database, so they must remain stable identifiers.
type ItemState string

const (
	// ItemPendingContext means the item is persisted but its author identity
	// and context have not been resolved yet.
	ItemPendingContext ItemState = "pending_context"

	// ItemReadyForExtraction means the item is ready for signal extraction.
	ItemReadyForExtraction ItemState = "ready_for_extraction"

	// ItemExtracting means an extraction run is in flight.
	ItemExtracting ItemState = "extracting"

	// ItemInterpreting means signals exist and are being interpreted.
	ItemInterpreting ItemState = "interpreting"

	// ItemCompleted is the successful terminal state.
	ItemCompleted ItemState = "completed"

	// ItemFailed is the failed terminal state. LastError carries the reason.
	ItemFailed ItemState = "failed"
)

// SignalState is the processing state of an extracted signal.
type SignalState string

const (
	// SignalPendingInterpretation means the signal awaits interpretation.
	SignalPendingInterpretation SignalState = "pending_interpretation"

	// SignalInterpreting means an interpretation run is in flight.
	SignalInterpreting SignalState = "interpreting"

	// SignalCompleted is the successful terminal state.
	SignalCompleted SignalState = "completed"

	// SignalFailed is the failed terminal state.
	SignalFailed SignalState = "failed"
)

// Terminal reports whether the signal state is terminal.
func (s SignalState) Terminal() bool {
	return s == SignalCompleted || s == SignalFailed
}

// SignalType classifies the customer need a signal expresses.
type SignalType string

const (
	SignalFeatureRequest SignalType = "feature_request"
	SignalBugReport      SignalType = "bug_report"
	SignalUsabilityIssue SignalType = "usability_issue"
	SignalQuestion       SignalType = "question"
	SignalPraise         SignalType = "praise"
	SignalComplaint      SignalType = "complaint"
	SignalChurnRisk      SignalType = "churn_risk"
)

// ValidSignalType reports whether t is one of the known signal types.
func ValidSignalType(t SignalType) bool {
	switch t {
	case SignalFeatureRequest, SignalBugReport, SignalUsabilityIssue,
		SignalQuestion, SignalPraise, SignalComplaint, SignalChurnRisk:
		return true
	}
	return false
}

// SuggestionType distinguishes merge proposals from create proposals.
type SuggestionType string

const (
	// SuggestionMergePost proposes merging the item into an existing post.
	SuggestionMergePost SuggestionType = "merge_post"

	// SuggestionCreatePost proposes creating a new post from the item.
	SuggestionCreatePost SuggestionType = "create_post"
)

// SuggestionStatus is the review state of a suggestion.
type SuggestionStatus string

const (
	SuggestionPending   SuggestionStatus = "pending"
	SuggestionAccepted  SuggestionStatus = "accepted"
	SuggestionDismissed SuggestionStatus = "dismissed"
	SuggestionExpired   SuggestionStatus = "expired"
)

// RawItem is one ingested piece of feedback, pre-analysis.
//
// (SourceID, DedupeKey) is unique: re-ingesting the same external event
// returns the existing row. Rows are never physically deleted.
type RawItem struct {
	ID          string
	SourceID    string
	SourceType  string
	ExternalID  string
	DedupeKey   string
	ExternalURL string

	// Author descriptor as supplied by the connector.
	AuthorEmail      string
	AuthorExternalID string
	AuthorIdentityID string
	AuthorName       string

	Subject     string
	Body        string
	ContextJSON string

	// IdentityID is the resolved internal identity, empty until resolved.
	IdentityID string

	// OriginPostID links an internally-authored item back to the post that
	// spawned it. Empty for connector-sourced items.
	OriginPostID string

	State        ItemState
	AttemptCount int
	LastError    string

	// Model usage recorded by extraction for cost accounting.
	Model            string
	PromptTokens     int
	CompletionTokens int

	CreatedAt      time.Time
	StateChangedAt time.Time
	CompletedAt    *time.Time
}

// Signal is one extracted customer need, owned by exactly one raw item.
//
// Persisted signals always have Confidence >= 0.5; lower-confidence
// candidates are filtered before insert. At most five per item.
type Signal struct {
	ID           string
	ItemID       string
	Type         SignalType
	Summary      string
	ImplicitNeed string
	Evidence     []string
	Confidence   float64
	Sentiment    string
	Urgency      string

	// EmbeddedAt marks when the signal vector was stored, nil until computed.
	EmbeddedAt *time.Time

	// Audit trail for the extraction that produced this signal.
	ExtractionModel string
	PromptVersion   string

	State          SignalState
	LastError      string
	CreatedAt      time.Time
	StateChangedAt time.Time
}

// Suggestion is a proposed action awaiting human review.
type Suggestion struct {
	ID       string
	Type     SuggestionType
	ItemID   string
	SignalID string

	// Merge fields.
	TargetPostID string
	Similarity   float64

	// Create fields.
	Title        string
	Body         string
	CollectionID string

	Reasoning string

	Status       SuggestionStatus
	ResolvedBy   string
	ResolvedAt   *time.Time
	ResultPostID string
	CreatedAt    time.Time
}

// Identity is a resolved internal actor attributable to feedback.
type Identity struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// Post is an existing feedback item that suggestions act on. Served
// directly over the API, hence the json tags.
type Post struct {
	ID               string `json:"id"`
	CollectionID     string `json:"collectionId"`
	Title            string `json:"title"`
	Body             string `json:"body,omitempty"`
	AuthorIdentityID string `json:"authorIdentityId,omitempty"`
	VoteCount        int    `json:"voteCount"`

	// CanonicalPostID is set when this post was merged into another one.
	CanonicalPostID string `json:"canonicalPostId,omitempty"`
	MergedFromItem  string `json:"mergedFromItem,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Collection is a target bucket for created posts.
type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
