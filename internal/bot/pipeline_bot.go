package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openai/openai-go"

	"github.com/chatweave/chatweave/internal/genai"
	"github.com/chatweave/chatweave/internal/models"
)

// ErrPipelineCancelled is returned by a runner that observed the cancel flag
// between steps and stopped early.
var ErrPipelineCancelled = errors.New("pipeline run cancelled")

// PipelineRunner executes a graph-based pipeline for one input. The runner
// must poll cancelled between steps and return ErrPipelineCancelled when it
// observes the flag; cancellation is cooperative, never preemptive.
type PipelineRunner interface {
	Run(ctx context.Context, sessionID, input string, cancelled func() bool) (string, genai.Usage, error)
}

// CancelRegistry tracks out-of-band cancellation flags per session. Flagging
// a session does not interrupt a running pipeline; the runner notices at its
// next step boundary.
type CancelRegistry struct {
	mu    sync.Mutex
	flags map[string]bool
}

// NewCancelRegistry builds an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{flags: make(map[string]bool)}
}

// Cancel flags the session's current run.
func (r *CancelRegistry) Cancel(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[sessionID] = true
}

// Cancelled reports whether the session's run has been flagged.
func (r *CancelRegistry) Cancelled(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[sessionID]
}

// Clear removes the flag so the next run starts fresh.
func (r *CancelRegistry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, sessionID)
}

// PipelineBot answers with a graph-based pipeline instead of a prompt chain.
// It shares the TopicBot invocation shape: persist the human turn, run
// pre-response safety, delegate generation, run post-response safety, persist
// the AI turn.
type PipelineBot struct {
	exp        *models.Experiment
	runner     PipelineRunner
	client     genai.ClientInterface
	store      Store
	notifier   Notifier
	cancels    *CancelRegistry
	preSafety  []*SafetyBot
	postSafety []*SafetyBot
}

// NewPipelineBot builds a pipeline-backed responder for an experiment.
func NewPipelineBot(exp *models.Experiment, runner PipelineRunner, factory ClientFactory, st Store, notifier Notifier, cancels *CancelRegistry) *PipelineBot {
	client := factory(exp.Model)
	pre, post := buildSafetyBots(exp.SafetyLayers, client)
	if cancels == nil {
		cancels = NewCancelRegistry()
	}
	return &PipelineBot{
		exp:        exp,
		runner:     runner,
		client:     client,
		store:      st,
		notifier:   notifier,
		cancels:    cancels,
		preSafety:  pre,
		postSafety: post,
	}
}

// Cancels exposes the registry so out-of-band callers can flag a run.
func (p *PipelineBot) Cancels() *CancelRegistry {
	return p.cancels
}

// Respond runs one pipeline turn.
func (p *PipelineBot) Respond(ctx context.Context, session *models.Session, in *models.IncomingMessage) (*Reply, error) {
	reply := &Reply{}

	humanMsg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleHuman,
		Content:   in.Body,
		MediaRef:  in.MediaRef,
	}
	if err := p.store.AddMessage(humanMsg); err != nil {
		return nil, fmt.Errorf("failed to persist human message: %w", err)
	}

	for _, sb := range p.preSafety {
		safe, u := sb.Check(ctx, in.Body)
		reply.Usage.Add(u)
		if safe {
			continue
		}
		if p.notifier != nil {
			p.notifier.SafetyTriggered(ctx, session, sb.Name(), in.Body)
		}
		if err := p.store.AttachMessageTag(humanMsg.ID, sb.Name()); err != nil {
			slog.Error("PipelineBot.Respond: failed to tag flagged human message",
				"session_id", session.ID, "message_id", humanMsg.ID, "error", err)
		}
		reply.Text = sb.ResponseText()
		reply.SafetyLayer = sb.Name()
		if err := p.persistAITurn(session.ID, reply.Text, sb.Name()); err != nil {
			return nil, err
		}
		return reply, nil
	}

	p.cancels.Clear(session.ID)
	text, u, err := p.runner.Run(ctx, session.ID, in.Body, func() bool {
		return p.cancels.Cancelled(session.ID)
	})
	reply.Usage.Add(u)
	if err != nil {
		return nil, err
	}

	tag := ""
	for _, sb := range p.postSafety {
		safe, u := sb.Check(ctx, text)
		reply.Usage.Add(u)
		if !safe {
			if p.notifier != nil {
				p.notifier.SafetyTriggered(ctx, session, sb.Name(), text)
			}
			text = sb.ResponseText()
			tag = sb.Name()
			reply.SafetyLayer = sb.Name()
			break
		}
	}

	reply.Text = text
	if err := p.persistAITurn(session.ID, text, tag); err != nil {
		return nil, err
	}
	return reply, nil
}

// Prompt generates and persists a system-initiated message without running
// the pipeline, mirroring the topic bot's trigger-dispatch behaviour.
func (p *PipelineBot) Prompt(ctx context.Context, session *models.Session, prompt string) (string, error) {
	text, _, err := p.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(p.exp.Prompt),
		openai.UserMessage(prompt),
	})
	if err != nil {
		return "", fmt.Errorf("prompt generation failed: %w", err)
	}
	text = strings.TrimSpace(text)
	tag := ""
	for _, sb := range p.postSafety {
		safe, _ := sb.Check(ctx, text)
		if safe {
			continue
		}
		if p.notifier != nil {
			p.notifier.SafetyTriggered(ctx, session, sb.Name(), text)
		}
		text = sb.ResponseText()
		tag = sb.Name()
		break
	}
	if err := p.persistAITurn(session.ID, text, tag); err != nil {
		return "", err
	}
	return text, nil
}

func (p *PipelineBot) persistAITurn(sessionID, text, tag string) error {
	msg := &models.Message{SessionID: sessionID, Role: models.RoleAI, Content: text}
	if tag != "" {
		msg.Tags = []string{tag}
	}
	if err := p.store.AddMessage(msg); err != nil {
		return fmt.Errorf("failed to persist AI message: %w", err)
	}
	return nil
}
