package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// HTTPConfig configures the HTTP mail-API notifier.
type HTTPConfig struct {
	// BaseURL of the transactional mail API, e.g. "https://mail.internal".
	BaseURL string

	// APIKey sent as a bearer token. Optional.
	APIKey string

	// From address on outgoing notices.
	From string

	// Timeout for delivery requests.
	Timeout time.Duration
}

// Validate checks required fields.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL is required", ErrNotConfigured)
	}
	if c.From == "" {
		return fmt.Errorf("%w: from address is required", ErrNotConfigured)
	}
	return nil
}

// HTTPNotifier delivers notices through a transactional mail HTTP API.
type HTTPNotifier struct {
	config HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPNotifier creates a notifier for the configured mail API.
func NewHTTPNotifier(config HTTPConfig, logger *zap.Logger) (*HTTPNotifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPNotifier{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

type mailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Send renders the notice as an email and posts it to the mail API.
func (n *HTTPNotifier) Send(ctx context.Context, notice Notice) error {
	subject, text := render(notice)
	body, err := json.Marshal(mailRequest{
		From:    n.config.From,
		To:      notice.Email,
		Subject: subject,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("marshaling mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.config.BaseURL+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.config.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending notice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mail API returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Debug("attribution notice sent",
		zap.String("kind", notice.Kind),
		zap.String("post_id", notice.PostID))
	return nil
}

// render produces the subject and body for a notice.
func render(notice Notice) (subject, text string) {
	name := notice.DisplayName
	if name == "" {
		name = "there"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	switch notice.Kind {
	case KindCreated:
		subject = fmt.Sprintf("Your feedback is now a post: %s", notice.PostTitle)
		fmt.Fprintf(&b, "Your feedback was turned into the post %q. We'll keep you updated as it progresses.\n", notice.PostTitle)
	default:
		subject = fmt.Sprintf("Your feedback was added to: %s", notice.PostTitle)
		fmt.Fprintf(&b, "Your feedback was merged into the existing post %q. Your vote has been counted and you'll be notified of updates.\n", notice.PostTitle)
	}
	if notice.ResolverName != "" {
		fmt.Fprintf(&b, "\nReviewed by %s.\n", notice.ResolverName)
	}
	return subject, b.String()
}

var _ Notifier = (*HTTPNotifier)(nil)
