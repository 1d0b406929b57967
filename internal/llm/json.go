package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripFences removes a markdown code fence wrapping, if present. Models
// in JSON mode still occasionally wrap output in ```json blocks.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// DecodeJSON parses a model completion into v, stripping markdown fences
// first. A parse failure here is a permanent error: the model is not
// expected to intermittently fail in this shape, so callers must not retry.
func DecodeJSON(text string, v any) error {
	cleaned := StripFences(text)
	if cleaned == "" {
		return fmt.Errorf("empty model response")
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("malformed model response: %w", err)
	}
	return nil
}
