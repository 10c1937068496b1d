package bot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/chatweave/chatweave/internal/genai"
	"github.com/chatweave/chatweave/internal/models"
)

// DefaultSafetyResponse is delivered when a layer flags a message unsafe and
// carries no configured replacement text.
const DefaultSafetyResponse = "I'm sorry, but I can't help with that. Let's talk about something else."

// SafetyBot classifies exactly one input per call against a single safety
// layer. It is non-agentic and keeps no history. The verdict is accepted only
// when the output begins case-insensitively with "safe" or "unsafe"; any
// other output, and any invocation error, is treated as unsafe.
type SafetyBot struct {
	layer  models.SafetyLayer
	client genai.ClientInterface
}

// NewSafetyBot builds a classifier for one layer.
func NewSafetyBot(layer models.SafetyLayer, client genai.ClientInterface) *SafetyBot {
	return &SafetyBot{layer: layer, client: client}
}

// Name returns the layer name used to tag substituted messages.
func (b *SafetyBot) Name() string {
	return b.layer.Name
}

// Target reports which side of the exchange this layer filters.
func (b *SafetyBot) Target() models.SafetyTarget {
	return b.layer.Target
}

// ResponseText is the replacement delivered when the layer triggers.
func (b *SafetyBot) ResponseText() string {
	if b.layer.Response != "" {
		return b.layer.Response
	}
	return DefaultSafetyResponse
}

// Check classifies one message. It never returns an error: a classifier that
// fails must not let an unfiltered message through, so failures read as
// unsafe.
func (b *SafetyBot) Check(ctx context.Context, content string) (bool, genai.Usage) {
	reply, usage, err := b.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(b.layer.Prompt),
		openai.UserMessage(content),
	})
	if err != nil {
		slog.Warn("SafetyBot.Check: classifier invocation failed, treating as unsafe", "layer", b.layer.Name, "error", err)
		return false, usage
	}
	return parseVerdict(reply), usage
}

// parseVerdict maps classifier output to a safe/unsafe decision. The unsafe
// prefix is tested first because "unsafe" also begins with a match for
// neither and must never read as safe.
func parseVerdict(output string) bool {
	v := strings.ToLower(strings.TrimSpace(output))
	if strings.HasPrefix(v, "unsafe") {
		return false
	}
	return strings.HasPrefix(v, "safe")
}

// buildSafetyBots splits an experiment's layers into pre-response (human
// input) and post-response (AI output) classifiers.
func buildSafetyBots(layers []models.SafetyLayer, client genai.ClientInterface) (pre, post []*SafetyBot) {
	for _, layer := range layers {
		sb := NewSafetyBot(layer, client)
		switch layer.Target {
		case models.SafetyTargetAI:
			post = append(post, sb)
		default:
			pre = append(pre, sb)
		}
	}
	return pre, post
}
