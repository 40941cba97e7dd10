package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ClassifyJSON sends a single system/user turn and decodes the model's text
// response as JSON into T. Models are asked for JSON but sometimes wrap it
// in a code fence; that wrapping is stripped before decoding. model is
// forwarded as LLMRequest.Model; providers that resolve their own model id
// (GeminiClient) ignore it. When timeout is positive, the completion is
// bounded by a context.WithTimeout derived from ctx so a stalled provider
// can never hang a conversation turn indefinitely.
func ClassifyJSON[T any](ctx context.Context, client Client, model, system, user string, timeout time.Duration) (T, error) {
	var zero T

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := client.Complete(ctx, LLMRequest{
		Model:       model,
		System:      []string{system},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: user}},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return zero, fmt.Errorf("llm: classify completion: %w", err)
	}

	raw := stripCodeFence(resp.Text)
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, fmt.Errorf("llm: classify decode: %w", err)
	}
	return out, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
