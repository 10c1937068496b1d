// Package genai: exact token counting for history compression.
package genai

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/chatweave/chatweave/internal/models"
)

// fallbackEncoding is used for models tiktoken does not know about.
const fallbackEncoding = "cl100k_base"

// TokenCounter counts tokens with the target model's own tokenizer. Token
// budgets are model-specific, so a generic approximation is not acceptable
// for the compression limit check.
type TokenCounter struct {
	enc   *tiktoken.Tiktoken
	model string
}

// NewTokenCounter builds a counter for the given model. When the model is
// unknown to tiktoken it falls back to the cl100k_base encoding; when the
// encoding data itself cannot be loaded an error is returned and the caller
// is expected to disable compression rather than crash the conversation.
func NewTokenCounter(model string) (*TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Warn("genai.NewTokenCounter: model not known to tiktoken, using fallback encoding", "model", model, "fallback", fallbackEncoding, "error", err)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer encoding: %w", err)
		}
	}
	return &TokenCounter{enc: enc, model: model}, nil
}

// CountText returns the token count of a single string.
func (tc *TokenCounter) CountText(text string) int {
	return len(tc.enc.Encode(text, nil, nil))
}

// CountMessages returns the combined content token count of a history slice.
func (tc *TokenCounter) CountMessages(messages []models.Message) int {
	total := 0
	for i := range messages {
		total += tc.CountText(messages[i].Content)
	}
	return total
}
