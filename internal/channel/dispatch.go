package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatweave/chatweave/internal/bot"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

// System-initiated message defaults.
const (
	// DefaultTimeoutPrompt seeds timeout re-engagement when the experiment
	// configures none.
	DefaultTimeoutPrompt = "The participant has gone quiet. Write a short, friendly message inviting them to continue the conversation."

	// TimeoutFarewell is delivered once when a session's re-engagement
	// attempts are exhausted.
	TimeoutFarewell = "It seems we've lost touch for now. Feel free to message me any time to pick things back up."
)

// SystemMessage generates a bot message from an ad-hoc prompt and delivers it
// to the session's participant. Responders that cannot generate from a bare
// prompt get the prompt text delivered as-is.
func (c *Channel) SystemMessage(ctx context.Context, session *models.Session, prompt string) error {
	text := prompt
	if p, ok := c.responder.(bot.Prompter); ok {
		generated, err := p.Prompt(ctx, session, prompt)
		if err != nil {
			return fmt.Errorf("system message generation failed: %w", err)
		}
		text = generated
	}
	if c.useVoice(false) && c.speech != nil {
		audio, err := c.speech.Synthesize(ctx, text, c.exp.Voice)
		if err == nil {
			if err := c.messenger.SendVoice(ctx, session.ParticipantID, audio); err == nil {
				return nil
			}
		}
		slog.Warn("Channel.SystemMessage: voice delivery failed, falling back to text",
			"session_id", session.ID, "error", err)
	}
	return c.messenger.SendText(ctx, session.ParticipantID, text)
}

// Farewell delivers the final notice for a session whose timeout attempts are
// exhausted.
func (c *Channel) Farewell(ctx context.Context, session *models.Session) error {
	return c.messenger.SendText(ctx, session.ParticipantID, TimeoutFarewell)
}

// TriggerDispatcher bridges the trigger engine to channel delivery: scheduled
// and timeout firings are generated by the channel's bot and sent over its
// platform transport.
type TriggerDispatcher struct {
	store    store.Store
	channels map[string]*Channel // keyed by binding ID
}

// NewTriggerDispatcher wires a dispatcher over the deployment's channels.
func NewTriggerDispatcher(st store.Store, channels map[string]*Channel) *TriggerDispatcher {
	return &TriggerDispatcher{store: st, channels: channels}
}

func (d *TriggerDispatcher) channel(bindingID string) (*Channel, error) {
	ch, ok := d.channels[bindingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrChannelNotFound, bindingID)
	}
	return ch, nil
}

// DispatchScheduled delivers one due scheduled message. Participants without
// an active session are skipped permanently rather than retried: a reminder
// cannot restart the consent flow on their behalf.
func (d *TriggerDispatcher) DispatchScheduled(ctx context.Context, sm *models.ScheduledMessage) error {
	ch, err := d.channel(sm.ChannelID)
	if err != nil {
		return err
	}
	pid, err := ch.Messenger().ValidateAndCanonicalizeRecipient(sm.ParticipantID)
	if err != nil {
		return err
	}
	session, err := d.store.FindActiveSession(ch.exp.ID, ch.binding.ID, pid)
	if err != nil {
		return fmt.Errorf("failed to find session for schedule %s: %w", sm.ID, err)
	}
	if session == nil || session.Status != models.StatusActive {
		slog.Warn("TriggerDispatcher.DispatchScheduled: no active session, skipping",
			"schedule_id", sm.ID, "participant_id", pid)
		return nil
	}
	return ch.SystemMessage(ctx, session, sm.Prompt)
}

// DispatchTimeout delivers one re-engagement attempt for an idle session.
func (d *TriggerDispatcher) DispatchTimeout(ctx context.Context, session *models.Session, prompt string) error {
	ch, err := d.channel(session.ChannelID)
	if err != nil {
		return err
	}
	if prompt == "" {
		prompt = DefaultTimeoutPrompt
	}
	return ch.SystemMessage(ctx, session, prompt)
}

// DispatchTerminal delivers the last-timeout farewell.
func (d *TriggerDispatcher) DispatchTerminal(ctx context.Context, session *models.Session) error {
	ch, err := d.channel(session.ChannelID)
	if err != nil {
		return err
	}
	return ch.Farewell(ctx, session)
}
