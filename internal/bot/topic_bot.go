package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/chatweave/chatweave/internal/genai"
	"github.com/chatweave/chatweave/internal/models"
)

// TopicBot orchestrates one experiment's turn: optional keyword routing to a
// child chain, pre-response safety on the human input, main generation over
// compressed history, terminal-route piping, and post-response safety on the
// generated text.
//
// Safety bots and child chains are built once at construction so
// initialization order is deterministic and failures surface immediately
// rather than on first message.
type TopicBot struct {
	exp        *models.Experiment
	client     genai.ClientInterface
	store      Store
	history    HistoryService
	notifier   Notifier
	preSafety  []*SafetyBot
	postSafety []*SafetyBot
	children   map[string]*TopicBot // keyed by child experiment ID
	terminal   *TopicBot
}

// NewTopicBot builds the full bot tree for an experiment: its safety
// classifiers, one child bot per route, and the terminal chain when
// configured. Child experiments are resolved through cfg; a route pointing at
// an unknown experiment is a construction error.
func NewTopicBot(exp *models.Experiment, factory ClientFactory, st Store, hist HistoryService, notifier Notifier, cfg *models.ExperimentConfig) (*TopicBot, error) {
	if exp == nil {
		return nil, fmt.Errorf("experiment is required")
	}
	client := factory(exp.Model)
	pre, post := buildSafetyBots(exp.SafetyLayers, client)
	t := &TopicBot{
		exp:        exp,
		client:     client,
		store:      st,
		history:    hist,
		notifier:   notifier,
		preSafety:  pre,
		postSafety: post,
	}

	if len(exp.Routes) > 0 {
		t.children = make(map[string]*TopicBot, len(exp.Routes))
		for _, route := range exp.Routes {
			if _, built := t.children[route.ExperimentID]; built {
				continue
			}
			childExp, ok := cfg.ChildExperiment(exp, route.ExperimentID)
			if !ok {
				return nil, fmt.Errorf("route %q: %w: %s", route.Keyword, models.ErrExperimentNotFound, route.ExperimentID)
			}
			child, err := NewTopicBot(childExp, factory, st, hist, notifier, cfg)
			if err != nil {
				return nil, fmt.Errorf("building child chain %s: %w", route.ExperimentID, err)
			}
			t.children[route.ExperimentID] = child
		}
	}

	if exp.TerminalExperimentID != "" {
		termExp, ok := cfg.ChildExperiment(exp, exp.TerminalExperimentID)
		if !ok {
			return nil, fmt.Errorf("terminal chain: %w: %s", models.ErrExperimentNotFound, exp.TerminalExperimentID)
		}
		term, err := NewTopicBot(termExp, factory, st, hist, notifier, cfg)
		if err != nil {
			return nil, fmt.Errorf("building terminal chain %s: %w", exp.TerminalExperimentID, err)
		}
		t.terminal = term
	}
	return t, nil
}

// Experiment returns the experiment this bot answers for.
func (t *TopicBot) Experiment() *models.Experiment {
	return t.exp
}

// Respond runs one orchestrated turn. The human message is persisted before
// any filtering so unsafe input still appears in history; the final text is
// persisted as the AI turn, tagged with the violated layer name when safety
// substitution occurred. Generation errors are returned to the caller, which
// owns the user-visible apology.
func (t *TopicBot) Respond(ctx context.Context, session *models.Session, in *models.IncomingMessage) (*Reply, error) {
	reply := &Reply{}

	target := t
	if len(t.exp.Routes) > 0 {
		route := t.resolveRoute(ctx, in.Body, reply)
		if child, ok := t.children[route.ExperimentID]; ok {
			target = child
		}
		reply.RouteKeyword = route.Keyword
	}

	humanMsg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleHuman,
		Content:   in.Body,
		MediaRef:  in.MediaRef,
	}
	if err := t.store.AddMessage(humanMsg); err != nil {
		return nil, fmt.Errorf("failed to persist human message: %w", err)
	}

	// Pre-response safety on the human input. The routing parent and the
	// resolved child both get their say.
	for _, sb := range t.inputLayers(target) {
		safe, u := sb.Check(ctx, in.Body)
		reply.Usage.Add(u)
		if safe {
			continue
		}
		slog.Info("TopicBot.Respond: human message flagged by safety layer",
			"session_id", session.ID, "layer", sb.Name())
		if t.notifier != nil {
			t.notifier.SafetyTriggered(ctx, session, sb.Name(), in.Body)
		}
		if err := t.store.AttachMessageTag(humanMsg.ID, sb.Name()); err != nil {
			slog.Error("TopicBot.Respond: failed to tag flagged human message",
				"session_id", session.ID, "message_id", humanMsg.ID, "error", err)
		}
		reply.Text = sb.ResponseText()
		reply.SafetyLayer = sb.Name()
		if err := t.persistAITurn(session.ID, reply.Text, sb.Name()); err != nil {
			return nil, err
		}
		return reply, nil
	}

	text, u, err := target.generate(ctx, session)
	reply.Usage.Add(u)
	if err != nil {
		return nil, err
	}

	// The resolved child's terminal chain wins; a routed child without one
	// inherits the routing parent's.
	terminal := target.terminal
	if terminal == nil {
		terminal = t.terminal
	}
	if terminal != nil {
		piped, tu, err := terminal.completeOnce(ctx, text)
		reply.Usage.Add(tu)
		if err != nil {
			slog.Error("TopicBot.Respond: terminal chain failed, delivering primary response",
				"session_id", session.ID, "terminal", terminal.exp.ID, "error", err)
		} else {
			text = piped
		}
	}

	// Post-response safety on the generated text.
	tag := ""
	for _, sb := range target.postSafety {
		safe, u := sb.Check(ctx, text)
		reply.Usage.Add(u)
		if !safe {
			slog.Info("TopicBot.Respond: generated response flagged by safety layer",
				"session_id", session.ID, "layer", sb.Name())
			if t.notifier != nil {
				t.notifier.SafetyTriggered(ctx, session, sb.Name(), text)
			}
			text = sb.ResponseText()
			tag = sb.Name()
			reply.SafetyLayer = sb.Name()
			break
		}
	}

	reply.Text = text
	if err := t.persistAITurn(session.ID, text, tag); err != nil {
		return nil, err
	}
	return reply, nil
}

// resolveRoute classifies the input into a routing keyword and maps it to a
// route. The classification exchange is never saved to history. Any
// classification failure falls back to the default route.
func (t *TopicBot) resolveRoute(ctx context.Context, input string, reply *Reply) *models.Route {
	keyword, u, err := t.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(t.exp.Prompt),
		openai.UserMessage(input),
	})
	reply.Usage.Add(u)
	if err != nil {
		slog.Warn("TopicBot.resolveRoute: classification failed, using default route",
			"experiment_id", t.exp.ID, "error", err)
		return t.exp.DefaultRoute()
	}
	route := t.exp.RouteForKeyword(keyword)
	slog.Debug("TopicBot.resolveRoute: classified input",
		"experiment_id", t.exp.ID, "keyword", strings.TrimSpace(keyword), "route", route.Keyword)
	return route
}

// inputLayers collects the pre-response safety bots that gate a human message
// for this turn: the routing parent's own plus the resolved child's.
func (t *TopicBot) inputLayers(target *TopicBot) []*SafetyBot {
	if target == t {
		return t.preSafety
	}
	layers := make([]*SafetyBot, 0, len(t.preSafety)+len(target.preSafety))
	layers = append(layers, t.preSafety...)
	return append(layers, target.preSafety...)
}

// generate runs the main LLM over the compressed session history.
func (t *TopicBot) generate(ctx context.Context, session *models.Session) (string, genai.Usage, error) {
	var usage genai.Usage

	history, hu, err := t.history.Compress(ctx, session.ID, t.exp.MaxTokenLimit, t.exp.KeepHistoryLen)
	usage.Add(hu)
	if err != nil {
		return "", usage, fmt.Errorf("failed to load history: %w", err)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(t.exp.Prompt))
	for i := range history {
		switch history[i].Role {
		case models.RoleHuman:
			messages = append(messages, openai.UserMessage(history[i].Content))
		case models.RoleAI:
			messages = append(messages, openai.AssistantMessage(history[i].Content))
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(history[i].Content))
		}
	}

	text, gu, err := t.client.GenerateWithMessages(ctx, messages)
	usage.Add(gu)
	if err != nil {
		return "", usage, fmt.Errorf("generation failed: %w", err)
	}
	return strings.TrimSpace(text), usage, nil
}

// completeOnce runs this bot's prompt against a single input with no history.
// Used for terminal-route piping, where the parent's response becomes the
// terminal chain's input.
func (t *TopicBot) completeOnce(ctx context.Context, input string) (string, genai.Usage, error) {
	text, usage, err := t.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(t.exp.Prompt),
		openai.UserMessage(input),
	})
	if err != nil {
		return "", usage, fmt.Errorf("terminal generation failed: %w", err)
	}
	return strings.TrimSpace(text), usage, nil
}

// Prompt generates and persists a system-initiated message, such as a
// scheduled reminder or a timeout nudge. The output passes the same
// post-response safety layers as a normal turn.
func (t *TopicBot) Prompt(ctx context.Context, session *models.Session, prompt string) (string, error) {
	text, _, err := t.completeOnce(ctx, prompt)
	if err != nil {
		return "", err
	}
	tag := ""
	for _, sb := range t.postSafety {
		safe, _ := sb.Check(ctx, text)
		if safe {
			continue
		}
		if t.notifier != nil {
			t.notifier.SafetyTriggered(ctx, session, sb.Name(), text)
		}
		text = sb.ResponseText()
		tag = sb.Name()
		break
	}
	if err := t.persistAITurn(session.ID, text, tag); err != nil {
		return "", err
	}
	return text, nil
}

func (t *TopicBot) persistAITurn(sessionID, text, tag string) error {
	msg := &models.Message{SessionID: sessionID, Role: models.RoleAI, Content: text}
	if tag != "" {
		msg.Tags = []string{tag}
	}
	if err := t.store.AddMessage(msg); err != nil {
		return fmt.Errorf("failed to persist AI message: %w", err)
	}
	return nil
}
