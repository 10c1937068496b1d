package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatweave/chatweave/internal/bot"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/speech"
	"github.com/chatweave/chatweave/internal/store"
)

// Canned participant-facing replies.
const (
	// DefaultConsentPrompt is sent when an experiment requires consent but
	// configures no prompt of its own.
	DefaultConsentPrompt = "Before we begin, please reply \"yes\" to confirm you'd like to participate in this conversation."
	// UnsupportedContentReply refuses payloads the bot cannot process.
	UnsupportedContentReply = "Sorry, I can only handle text and voice messages."
	// GenerationApology is shown when response generation fails and the
	// experiment is not in debug mode.
	GenerationApology = "Sorry, something went wrong on my end. Please try again in a moment."
	// ParticipantDeniedReply answers identities outside the allow-list.
	ParticipantDeniedReply = "Sorry, this conversation isn't available for your account."
	// TranscriptionFailedReply tells the participant their voice note could
	// not be processed before the error propagates.
	TranscriptionFailedReply = "Sorry, I couldn't process your voice message. Could you type it instead?"
	// ResetKeyword ends the current session and restarts the flow, but only
	// once the participant has actually engaged.
	ResetKeyword = "reset"
)

// consentAffirmations are the replies accepted as consent while gating.
var consentAffirmations = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true,
	"ok": true, "okay": true, "sure": true,
	"agree": true, "i agree": true, "i consent": true, "accept": true,
}

// Channel drives one experiment's conversation over one platform binding.
// All collaborators are passed in at construction; per-message state lives in
// an immutable inbound context, never on the Channel itself.
type Channel struct {
	exp       *models.Experiment
	binding   *models.ExperimentChannel
	store     store.Store
	responder bot.Responder
	speech    speech.Service
	messenger Messenger
	now       func() time.Time
}

// NewChannel wires a channel orchestrator.
func NewChannel(exp *models.Experiment, binding *models.ExperimentChannel, st store.Store, responder bot.Responder, sp speech.Service, m Messenger) *Channel {
	return &Channel{
		exp:       exp,
		binding:   binding,
		store:     st,
		responder: responder,
		speech:    sp,
		messenger: m,
		now:       time.Now,
	}
}

// Messenger exposes the platform transport, used by trigger dispatch.
func (c *Channel) Messenger() Messenger {
	return c.messenger
}

// Experiment returns the experiment this channel serves.
func (c *Channel) Experiment() *models.Experiment {
	return c.exp
}

// Binding returns the platform binding this channel serves.
func (c *Channel) Binding() *models.ExperimentChannel {
	return c.binding
}

// inboundContext is the request-scoped view of one inbound message. It is
// built once per message and passed down the call chain.
type inboundContext struct {
	session  *models.Session
	incoming *models.IncomingMessage
	wasVoice bool
}

// NewUserMessage is the entry point for every inbound platform message. It
// resolves or creates the session, applies the consent state machine, and
// dispatches active-session messages to the bot layer.
func (c *Channel) NewUserMessage(ctx context.Context, in *models.IncomingMessage) error {
	if err := in.Validate(); err != nil {
		return err
	}
	pid, err := c.messenger.ValidateAndCanonicalizeRecipient(in.ParticipantID)
	if err != nil {
		return &models.ChannelError{Platform: c.binding.Platform, Op: "canonicalize", Err: err}
	}
	in.ParticipantID = pid

	// Platform-level retries re-deliver webhooks; process each message once.
	if in.PlatformMessageID != "" {
		first, err := c.store.MarkProcessed(c.binding.Platform, in.PlatformMessageID)
		if err != nil {
			return fmt.Errorf("failed to dedup message: %w", err)
		}
		if !first {
			slog.Debug("Channel.NewUserMessage: duplicate delivery ignored",
				"platform", c.binding.Platform, "platform_message_id", in.PlatformMessageID)
			return nil
		}
	}

	if !c.exp.ParticipantAllowed(pid) {
		slog.Info("Channel.NewUserMessage: participant not allowed",
			"experiment_id", c.exp.ID, "participant_id", pid)
		c.deliverText(ctx, pid, ParticipantDeniedReply)
		return nil
	}

	// Resets never create sessions: a reset from an unknown identity, or on
	// a session with no engagement yet, is a no-op.
	if isReset(in.Body) {
		session, err := c.store.FindActiveSession(c.exp.ID, c.binding.ID, pid)
		if err != nil {
			return fmt.Errorf("failed to resolve session: %w", err)
		}
		if session == nil {
			slog.Debug("Channel.NewUserMessage: reset from unknown identity ignored", "participant_id", pid)
			return nil
		}
		return c.handleReset(ctx, session, pid)
	}

	session, err := c.resolveSession(pid)
	if err != nil {
		return err
	}

	if session.IsGating() {
		return c.handleGating(ctx, session, in)
	}

	if err := c.store.RecordHumanActivity(session.ID, c.now()); err != nil {
		slog.Warn("Channel.NewUserMessage: failed to record activity", "session_id", session.ID, "error", err)
	}
	return c.dispatch(ctx, &inboundContext{session: session, incoming: in})
}

// resolveSession finds the participant's active session or creates a fresh
// one in SETUP. A creation race is settled by the store's unique constraint:
// the loser re-reads the winner's row.
func (c *Channel) resolveSession(pid string) (*models.Session, error) {
	session, err := c.store.FindActiveSession(c.exp.ID, c.binding.ID, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	if session != nil {
		return session, nil
	}
	session = &models.Session{
		ExperimentID:  c.exp.ID,
		ChannelID:     c.binding.ID,
		ParticipantID: pid,
		Status:        models.StatusSetup,
	}
	if err := c.store.CreateSession(session); err != nil {
		if errors.Is(err, models.ErrDuplicateSession) {
			winner, ferr := c.store.FindActiveSession(c.exp.ID, c.binding.ID, pid)
			if ferr != nil || winner == nil {
				return nil, fmt.Errorf("failed to re-resolve session after creation race: %w", ferr)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("Channel.resolveSession: created session",
		"session_id", session.ID, "experiment_id", c.exp.ID, "participant_id", pid)
	return session, nil
}

// handleReset ends the current session and restarts the flow, but only when
// the participant has already exchanged at least one message. A reset on an
// engagement-less session is a no-op.
func (c *Channel) handleReset(ctx context.Context, session *models.Session, pid string) error {
	if session.MessageCount == 0 {
		slog.Debug("Channel.handleReset: reset before engagement ignored", "session_id", session.ID)
		return nil
	}
	if err := c.store.EndSession(session.ID, c.now()); err != nil {
		return fmt.Errorf("failed to end session on reset: %w", err)
	}
	slog.Info("Channel.handleReset: session reset", "session_id", session.ID, "participant_id", pid)

	fresh, err := c.resolveSession(pid)
	if err != nil {
		return err
	}
	return c.beginSetup(ctx, fresh)
}

// beginSetup runs the fresh-session opening: consent prompt when required,
// otherwise straight to active with the seed message.
func (c *Channel) beginSetup(ctx context.Context, session *models.Session) error {
	if c.exp.ConsentRequired {
		if err := c.store.UpdateSessionStatus(session.ID, models.StatusPendingPreSurvey); err != nil {
			return fmt.Errorf("failed to advance session to consent gating: %w", err)
		}
		c.deliverText(ctx, session.ParticipantID, c.consentPrompt())
		return nil
	}
	return c.activate(ctx, session)
}

// handleGating applies the consent state machine to a non-active session.
// Only an affirmative reply advances; anything else re-prompts in place.
func (c *Channel) handleGating(ctx context.Context, session *models.Session, in *models.IncomingMessage) error {
	if session.Status == models.StatusSetup {
		// First message from a fresh identity: open the flow. When consent
		// is not required the message itself is processed after activation.
		if err := c.beginSetup(ctx, session); err != nil {
			return err
		}
		if !c.exp.ConsentRequired {
			refreshed, err := c.store.GetSession(session.ID)
			if err != nil {
				return fmt.Errorf("failed to reload session: %w", err)
			}
			if err := c.store.RecordHumanActivity(session.ID, c.now()); err != nil {
				slog.Warn("Channel.handleGating: failed to record activity", "session_id", session.ID, "error", err)
			}
			return c.dispatch(ctx, &inboundContext{session: refreshed, incoming: in})
		}
		return nil
	}

	if isAffirmative(in.Body) {
		return c.activate(ctx, session)
	}
	slog.Debug("Channel.handleGating: non-consent reply while gating, re-prompting",
		"session_id", session.ID, "status", session.Status)
	c.deliverText(ctx, session.ParticipantID, c.consentPrompt())
	return nil
}

// activate moves the session to ACTIVE and fires the seed message if one is
// configured.
func (c *Channel) activate(ctx context.Context, session *models.Session) error {
	if err := c.store.UpdateSessionStatus(session.ID, models.StatusActive); err != nil {
		return fmt.Errorf("failed to activate session: %w", err)
	}
	session.Status = models.StatusActive
	slog.Info("Channel.activate: session active", "session_id", session.ID)
	if c.exp.SeedMessage != "" {
		if err := c.store.AddMessage(&models.Message{
			SessionID: session.ID,
			Role:      models.RoleAI,
			Content:   c.exp.SeedMessage,
		}); err != nil {
			slog.Warn("Channel.activate: failed to persist seed message", "session_id", session.ID, "error", err)
		}
		c.deliverText(ctx, session.ParticipantID, c.exp.SeedMessage)
	}
	return nil
}

// dispatch routes an active-session message by content type and delivers the
// bot's reply.
func (c *Channel) dispatch(ctx context.Context, ic *inboundContext) error {
	in := ic.incoming
	switch in.ContentType {
	case models.ContentTypeVoice:
		transcript, err := c.transcribe(ctx, in)
		if err != nil {
			// The participant hears about the failure before it propagates.
			c.deliverText(ctx, in.ParticipantID, TranscriptionFailedReply)
			return err
		}
		in = &models.IncomingMessage{
			ParticipantID:     in.ParticipantID,
			Body:              transcript,
			ContentType:       models.ContentTypeText,
			MediaRef:          in.MediaRef,
			PlatformMessageID: in.PlatformMessageID,
		}
		ic = &inboundContext{session: ic.session, incoming: in, wasVoice: true}
	case models.ContentTypeUnsupported:
		c.deliverText(ctx, in.ParticipantID, UnsupportedContentReply)
		return nil
	}

	reply, err := c.responder.Respond(ctx, ic.session, in)
	if err != nil {
		slog.Error("Channel.dispatch: response generation failed",
			"session_id", ic.session.ID, "error", err)
		if c.exp.DebugMode {
			c.deliverText(ctx, in.ParticipantID, fmt.Sprintf("Error: %v", err))
		} else {
			c.deliverText(ctx, in.ParticipantID, GenerationApology)
		}
		return nil
	}
	c.deliverReply(ctx, ic, reply.Text)
	return nil
}

// transcribe downloads and transcribes an inbound voice note.
func (c *Channel) transcribe(ctx context.Context, in *models.IncomingMessage) (string, error) {
	audio, err := c.messenger.FetchMedia(ctx, in.MediaRef)
	if err != nil {
		return "", &models.AudioTranscriptionError{Err: fmt.Errorf("failed to fetch voice media: %w", err)}
	}
	transcript, err := c.speech.Transcribe(ctx, audio, "voice-note.ogg")
	if err != nil {
		return "", err
	}
	slog.Debug("Channel.transcribe: voice note transcribed",
		"participant_id", in.ParticipantID, "transcript_length", len(transcript))
	return transcript, nil
}

// deliverReply applies the voice response policy; synthesis failures fall
// back to text so the reply is never lost.
func (c *Channel) deliverReply(ctx context.Context, ic *inboundContext, text string) {
	if text == "" {
		return
	}
	if c.useVoice(ic.wasVoice) {
		audio, err := c.speech.Synthesize(ctx, text, c.exp.Voice)
		if err == nil {
			if err := c.messenger.SendVoice(ctx, ic.incoming.ParticipantID, audio); err == nil {
				return
			}
			slog.Warn("Channel.deliverReply: voice delivery failed, falling back to text",
				"session_id", ic.session.ID, "error", err)
		} else {
			slog.Warn("Channel.deliverReply: synthesis failed, falling back to text",
				"session_id", ic.session.ID, "error", err)
		}
	}
	c.deliverText(ctx, ic.incoming.ParticipantID, text)
}

func (c *Channel) useVoice(wasVoice bool) bool {
	switch c.exp.VoiceBehaviour {
	case models.VoiceAlways:
		return true
	case models.VoiceReciprocal:
		return wasVoice
	default:
		return false
	}
}

// deliverText sends a text message, logging failures. Delivery failures are
// not retried here; the platform webhook will not be re-driven for them.
func (c *Channel) deliverText(ctx context.Context, to, body string) {
	if err := c.messenger.SendText(ctx, to, body); err != nil {
		slog.Error("Channel.deliverText: failed to deliver message",
			"platform", c.binding.Platform, "to", to, "error", err)
	}
}

func (c *Channel) consentPrompt() string {
	if c.exp.ConsentPrompt != "" {
		return c.exp.ConsentPrompt
	}
	return DefaultConsentPrompt
}

func isReset(body string) bool {
	return strings.EqualFold(strings.TrimSpace(body), ResetKeyword)
}

func isAffirmative(body string) bool {
	return consentAffirmations[strings.ToLower(strings.TrimSpace(body))]
}
