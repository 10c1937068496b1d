// Package history bounds the token size of conversation history passed to
// the LLM while preserving continuity via incremental summarization.
//
// The durable artifact is a summary attached to a checkpoint message: the
// first message of the kept tail. Messages before a checkpoint are never
// resummarized. The first pass is always a pure token check so callers never
// pay for a summarization call when the history already fits.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/chatweave/chatweave/internal/genai"
	"github.com/chatweave/chatweave/internal/models"
)

// DefaultKeepHistoryLen is the number of most recent messages kept verbatim
// when older turns are folded into the summary.
const DefaultKeepHistoryLen = 10

// TokenCounter counts history tokens with the target model's tokenizer.
type TokenCounter interface {
	CountMessages(messages []models.Message) int
}

// Summarizer folds older messages plus the previous summary into one new
// combined summary string.
type Summarizer interface {
	Summarize(ctx context.Context, previousSummary string, messages []models.Message) (string, genai.Usage, error)
}

// Store is the narrow persistence contract the compressor needs.
type Store interface {
	MessagesSinceCheckpoint(sessionID string) (string, []models.Message, error)
	UpdateMessageSummary(messageID, summary string) error
}

// Compressor implements the history compression algorithm.
type Compressor struct {
	store      Store
	counter    TokenCounter
	summarizer Summarizer
}

// NewCompressor builds a compressor. A nil counter disables compression:
// tokenizer unavailability must not crash the conversation, so callers get
// the full recent history back instead.
func NewCompressor(st Store, counter TokenCounter, summarizer Summarizer) *Compressor {
	return &Compressor{store: st, counter: counter, summarizer: summarizer}
}

// Compress returns a bounded view of the session history: the latest summary
// as a leading system message followed by the verbatim tail. The summary
// write is the only mutation, applied after the LLM returns; it is a narrow
// single-field update and duplicate summarization under race is wasteful,
// not corrupting.
func (c *Compressor) Compress(ctx context.Context, sessionID string, maxTokenLimit, keepHistoryLen int) ([]models.Message, genai.Usage, error) {
	var usage genai.Usage

	summary, msgs, err := c.store.MessagesSinceCheckpoint(sessionID)
	if err != nil {
		return nil, usage, fmt.Errorf("failed to load history: %w", err)
	}
	history := withSummary(summary, msgs)

	if maxTokenLimit <= 0 || len(msgs) == 0 {
		return history, usage, nil
	}
	if c.counter == nil {
		slog.Warn("history.Compress: token counter unavailable, returning uncompressed history", "session_id", sessionID, "messages", len(history))
		return history, usage, nil
	}

	// Cheap check first: no LLM call when the history already fits.
	if c.counter.CountMessages(history) <= maxTokenLimit {
		return history, usage, nil
	}

	if keepHistoryLen <= 0 {
		keepHistoryLen = DefaultKeepHistoryLen
	}
	split := len(msgs) - keepHistoryLen
	if split < 0 {
		split = 0
	}
	fold := append([]models.Message(nil), msgs[:split]...)
	tail := append([]models.Message(nil), msgs[split:]...)

	// Greedy oldest-first eviction until the summary and tail together fit
	// the budget.
	for len(tail) > 1 && c.counter.CountMessages(withSummary(summary, tail)) > maxTokenLimit {
		fold = append(fold, tail[0])
		tail = tail[1:]
	}

	// Nothing to fold means the overflow is the summary itself (or a single
	// oversized message). The checkpoint already carries that summary and is
	// never resummarized.
	if len(fold) == 0 {
		slog.Debug("history.Compress: nothing to fold, keeping existing checkpoint",
			"session_id", sessionID, "kept", len(tail), "max_token_limit", maxTokenLimit)
		return history, usage, nil
	}

	newSummary, sumUsage, err := c.summarizer.Summarize(ctx, summary, fold)
	usage.Add(sumUsage)
	if err != nil {
		slog.Error("history.Compress: summarization failed, returning uncompressed history", "session_id", sessionID, "error", err)
		return history, usage, nil
	}

	checkpoint := tail[0]
	if err := c.store.UpdateMessageSummary(checkpoint.ID, newSummary); err != nil {
		if errors.Is(err, models.ErrSummaryAlreadySet) {
			// Concurrent compression won the checkpoint write. Wasteful, not corrupting.
			slog.Warn("history.Compress: checkpoint already summarized by concurrent call", "session_id", sessionID, "message_id", checkpoint.ID)
		} else {
			slog.Error("history.Compress: failed to persist summary", "session_id", sessionID, "message_id", checkpoint.ID, "error", err)
		}
	}

	slog.Debug("history.Compress: compressed history",
		"session_id", sessionID,
		"folded", len(fold),
		"kept", len(tail),
		"max_token_limit", maxTokenLimit)
	return withSummary(newSummary, tail), usage, nil
}

// withSummary reconstructs the history view, prepending the summary as a
// system message when one exists.
func withSummary(summary string, msgs []models.Message) []models.Message {
	if summary == "" {
		return msgs
	}
	out := make([]models.Message, 0, len(msgs)+1)
	out = append(out, models.Message{Role: models.RoleSystem, Content: summary})
	return append(out, msgs...)
}

// summaryPrompt instructs the model to extend the running summary.
const summaryPrompt = "Progressively summarize the conversation below, folding it into the current summary. Return only the new combined summary."

// LLMSummarizer implements Summarizer with the LLM provider client.
type LLMSummarizer struct {
	client genai.ClientInterface
}

// NewLLMSummarizer builds a summarizer over the given client.
func NewLLMSummarizer(client genai.ClientInterface) *LLMSummarizer {
	return &LLMSummarizer{client: client}
}

// Summarize renders the fold-set and previous summary into the summarization
// prompt and runs one completion.
func (s *LLMSummarizer) Summarize(ctx context.Context, previousSummary string, messages []models.Message) (string, genai.Usage, error) {
	var sb strings.Builder
	if previousSummary != "" {
		sb.WriteString("Current summary:\n")
		sb.WriteString(previousSummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New lines of conversation:\n")
	for i := range messages {
		sb.WriteString(string(messages[i].Role))
		sb.WriteString(": ")
		sb.WriteString(messages[i].Content)
		sb.WriteString("\n")
	}

	reply, usage, err := s.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(summaryPrompt),
		openai.UserMessage(sb.String()),
	})
	if err != nil {
		return "", usage, fmt.Errorf("summarization call failed: %w", err)
	}
	return strings.TrimSpace(reply), usage, nil
}
