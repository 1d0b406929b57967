// Package gate decides whether a raw feedback item is worth sending to
// signal extraction. Cheap heuristics run first; only ambiguous items pay
// for a model call.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/feedbackd/internal/ingest"
	"github.com/fyrsmithlabs/feedbackd/internal/llm"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"go.uber.org/zap"
)

const (
	// minWords below which an item is skipped outright.
	minWords = 5
	// autoPassWords at or above which high-intent sources skip the model
	// check entirely.
	autoPassWords = 15
	// threadTailLimit caps how many customer messages from a conversation
	// thread are included in the model prompt.
	threadTailLimit = 5
)

// Decision is the gate verdict for an item.
type Decision struct {
	Extract bool   `json:"extract"`
	Reason  string `json:"reason"`
}

// ThreadMessage is a single message from a conversation-shaped source,
// carried in the item's context envelope.
type ThreadMessage struct {
	Role string `json:"role"` // "customer" or "agent"
	Text string `json:"text"`
}

// contextEnvelope is the shape of RawItem.ContextJSON for threaded sources.
type contextEnvelope struct {
	Thread []ThreadMessage `json:"thread,omitempty"`
}

// Gate screens items before extraction.
type Gate struct {
	client llm.Client
	logger *zap.Logger
}

// New creates a gate backed by the given model client.
func New(client llm.Client, logger *zap.Logger) (*Gate, error) {
	if client == nil {
		return nil, errors.New("llm client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{client: client, logger: logger}, nil
}

const gateSystemPrompt = `You screen customer feedback for a product team. Decide whether the message contains actionable product feedback worth analyzing: a feature request, a bug report, a complaint about product behavior, or praise tied to a specific capability.

Not worth analyzing: pure greetings, billing or account questions, support requests with no product opinion, spam, auto-replies.

Respond with ONLY a JSON object: {"extract": true|false, "reason": "<short reason>"}`

// ShouldExtract returns the gate decision for the item. The gate fails
// open on model errors: a failed call or a garbage response passes the
// item through to extraction rather than silently dropping it. With no
// model configured at all, the word-count heuristic decides.
func (g *Gate) ShouldExtract(ctx context.Context, item *store.RawItem) Decision {
	words := wordCount(item.Subject + " " + item.Body)
	if words < minWords {
		return Decision{Extract: false, Reason: "too short to carry a signal"}
	}

	kind := ingest.KindOf(item.SourceType)
	if kind.HighIntent && words >= autoPassWords {
		return Decision{Extract: true, Reason: "substantial message from a high-intent source"}
	}

	// Without a model the word-count heuristic decides alone. Only call
	// failures fail open; an unconfigured model is a steady state and must
	// not wave every short message through.
	if !g.client.Available() {
		if words >= autoPassWords {
			return Decision{Extract: true, Reason: "substantial message, no gate model configured"}
		}
		return Decision{Extract: false, Reason: "below word-count threshold, no gate model configured"}
	}

	prompt := g.buildPrompt(item)
	resp, err := g.client.Complete(ctx, llm.Request{
		System:    gateSystemPrompt,
		Prompt:    prompt,
		MaxTokens: 256,
	})
	if err != nil {
		g.logger.Warn("gate model call failed, passing item through",
			zap.String("item_id", item.ID), zap.Error(err))
		return Decision{Extract: true, Reason: "gate unavailable"}
	}

	var decision Decision
	if err := llm.DecodeJSON(resp.Text, &decision); err != nil {
		g.logger.Warn("gate returned malformed decision, passing item through",
			zap.String("item_id", item.ID), zap.Error(err))
		return Decision{Extract: true, Reason: "gate response malformed"}
	}
	if decision.Reason == "" {
		decision.Reason = "model decision"
	}
	return decision
}

// buildPrompt renders the item, plus the tail of the customer side of the
// thread for conversation-shaped sources.
func (g *Gate) buildPrompt(item *store.RawItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", item.SourceType)
	if item.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", item.Subject)
	}
	fmt.Fprintf(&b, "Message:\n%s\n", item.Body)

	if tail := customerThreadTail(item.ContextJSON); len(tail) > 0 {
		b.WriteString("\nEarlier customer messages in this conversation, oldest first:\n")
		for _, msg := range tail {
			fmt.Fprintf(&b, "- %s\n", msg.Text)
		}
	}
	return b.String()
}

// customerThreadTail returns the last few customer-authored messages from
// the context envelope. Agent messages are support staff, not feedback,
// and are excluded.
func customerThreadTail(contextJSON string) []ThreadMessage {
	if contextJSON == "" {
		return nil
	}
	var env contextEnvelope
	if err := json.Unmarshal([]byte(contextJSON), &env); err != nil {
		return nil
	}
	var customer []ThreadMessage
	for _, msg := range env.Thread {
		if msg.Role == "customer" && strings.TrimSpace(msg.Text) != "" {
			customer = append(customer, msg)
		}
	}
	if len(customer) > threadTailLimit {
		customer = customer[len(customer)-threadTailLimit:]
	}
	return customer
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
