// Package bot implements response orchestration: routing a validated human
// message through safety filtering, keyword-routed child chains, and the main
// LLM generation over compressed history.
package bot

import (
	"context"
	"log/slog"

	"github.com/chatweave/chatweave/internal/genai"
	"github.com/chatweave/chatweave/internal/models"
)

// Responder produces the bot reply for one human turn of an active session.
type Responder interface {
	Respond(ctx context.Context, session *models.Session, in *models.IncomingMessage) (*Reply, error)
}

// Reply is the outcome of one orchestrated turn.
type Reply struct {
	// Text is the final response delivered to the participant.
	Text string
	// SafetyLayer names the violated layer when safety filtering replaced
	// the response, empty otherwise.
	SafetyLayer string
	// RouteKeyword is the resolved routing keyword, empty for unrouted bots.
	RouteKeyword string
	// Usage accumulates token usage across every sub-invocation of the turn:
	// classification, safety checks, main generation, and terminal piping.
	Usage genai.Usage
}

// Store is the narrow persistence contract the bot layer needs. Both
// conversation turns of an exchange are persisted here.
type Store interface {
	AddMessage(m *models.Message) error
	AttachMessageTag(messageID, tag string) error
}

// HistoryService provides the bounded conversation history for generation.
type HistoryService interface {
	Compress(ctx context.Context, sessionID string, maxTokenLimit, keepHistoryLen int) ([]models.Message, genai.Usage, error)
}

// ClientFactory returns a generation client bound to the given model. An
// empty model selects the provider default.
type ClientFactory func(model string) genai.ClientInterface

// Notifier receives safety events so team admins can review flagged
// exchanges. Implementations must not block message processing.
type Notifier interface {
	SafetyTriggered(ctx context.Context, session *models.Session, layerName, content string)
}

// LogNotifier records safety events in the structured log. Deployments
// without an alerting integration use it as the default notifier.
type LogNotifier struct{}

// SafetyTriggered logs the event. The flagged content itself stays out of
// the log; the persisted message tags carry it for review.
func (LogNotifier) SafetyTriggered(ctx context.Context, session *models.Session, layerName, content string) {
	slog.Warn("LogNotifier.SafetyTriggered: safety layer triggered",
		"session_id", session.ID,
		"experiment_id", session.ExperimentID,
		"layer", layerName,
		"content_length", len(content))
}

// Prompter generates a system-initiated message from an ad-hoc prompt,
// outside the normal request/response turn. Trigger dispatch uses it for
// scheduled reminders and timeout re-engagement.
type Prompter interface {
	Prompt(ctx context.Context, session *models.Session, prompt string) (string, error)
}
