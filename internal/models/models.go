// Package models defines the core data structures for ChatWeave.
//
// It includes the internal message contract shared by all channels, the
// session lifecycle state machine, and the persistent records for messages,
// experiments, safety layers, and scheduled triggers.
package models

import (
	"errors"
	"strings"
	"time"
)

// Platform identifies the external messaging platform a channel binds to.
type Platform string

const (
	// PlatformWeb is the in-browser websocket chat channel.
	PlatformWeb Platform = "web"
	// PlatformTelegram is the Telegram Bot API channel.
	PlatformTelegram Platform = "telegram"
	// PlatformWhatsApp is the native WhatsApp channel (whatsmeow transport).
	PlatformWhatsApp Platform = "whatsapp"
	// PlatformTwilio is the Twilio-hosted WhatsApp channel.
	PlatformTwilio Platform = "twilio"
	// PlatformTurnIO is the Turn.io-hosted WhatsApp channel.
	PlatformTurnIO Platform = "turnio"
	// PlatformSureAdhere is the SureAdhere patient messaging channel.
	PlatformSureAdhere Platform = "sureadhere"
	// PlatformAPI is the synchronous HTTP API channel.
	PlatformAPI Platform = "api"
)

// IsValidPlatform checks if the given platform is supported.
func IsValidPlatform(p Platform) bool {
	switch p {
	case PlatformWeb, PlatformTelegram, PlatformWhatsApp, PlatformTwilio,
		PlatformTurnIO, PlatformSureAdhere, PlatformAPI:
		return true
	default:
		return false
	}
}

// ContentType classifies the payload of an inbound message.
type ContentType string

const (
	// ContentTypeText is a plain text message.
	ContentTypeText ContentType = "text"
	// ContentTypeVoice is a voice note requiring transcription.
	ContentTypeVoice ContentType = "voice"
	// ContentTypeUnsupported is any payload the bot cannot process.
	ContentTypeUnsupported ContentType = "unsupported"
)

// VoiceResponseBehaviour controls when replies are delivered as synthesized voice.
type VoiceResponseBehaviour string

const (
	// VoiceAlways replies in voice regardless of the inbound content type.
	VoiceAlways VoiceResponseBehaviour = "always"
	// VoiceNever replies in text regardless of the inbound content type.
	VoiceNever VoiceResponseBehaviour = "never"
	// VoiceReciprocal replies in voice only when the inbound message was voice.
	VoiceReciprocal VoiceResponseBehaviour = "reciprocal"
)

// SessionStatus is the lifecycle state of a participant's conversation run.
type SessionStatus string

const (
	// StatusSetup is a freshly created session before any gating prompt was sent.
	StatusSetup SessionStatus = "setup"
	// StatusPending is the alternate early consent-gathering state.
	StatusPending SessionStatus = "pending"
	// StatusPendingPreSurvey awaits the participant's consent affirmation.
	StatusPendingPreSurvey SessionStatus = "pending_pre_survey"
	// StatusActive processes messages through the bot layer.
	StatusActive SessionStatus = "active"
	// StatusEnded is terminal; ended sessions never process messages again.
	StatusEnded SessionStatus = "ended"
)

// MessageRole identifies the author of a conversation turn.
type MessageRole string

const (
	// RoleHuman is a participant turn.
	RoleHuman MessageRole = "human"
	// RoleAI is a bot-generated turn.
	RoleAI MessageRole = "ai"
	// RoleSystem is a synthetic turn (summaries, prompts).
	RoleSystem MessageRole = "system"
)

// Validation error variables shared across modules.
var (
	ErrEmptyParticipantID    = errors.New("participant id cannot be empty")
	ErrInvalidPlatform       = errors.New("invalid platform")
	ErrInvalidStatus         = errors.New("invalid session status transition")
	ErrSessionEnded          = errors.New("session has ended")
	ErrNoActiveSession       = errors.New("no active session")
	ErrDuplicateSession      = errors.New("active session already exists for participant")
	ErrSummaryAlreadySet     = errors.New("message summary already set")
	ErrMessageNotFound       = errors.New("message not found")
	ErrSessionNotFound       = errors.New("session not found")
	ErrExperimentNotFound    = errors.New("experiment not found")
	ErrChannelNotFound       = errors.New("experiment channel not found")
	ErrScheduleNotFound      = errors.New("scheduled message not found")
	ErrParticipantNotAllowed = errors.New("participant is not allowed on this channel")
)

// IncomingMessage is the single internal contract every platform webhook or
// event is normalized into before any further processing.
type IncomingMessage struct {
	ParticipantID     string      `json:"participant_id"`
	Body              string      `json:"body"`
	ContentType       ContentType `json:"content_type"`
	MediaRef          string      `json:"media_ref,omitempty"`
	PlatformMessageID string      `json:"platform_message_id,omitempty"`
}

// Validate ensures the normalized message can be processed.
func (m *IncomingMessage) Validate() error {
	if m.ParticipantID == "" {
		return ErrEmptyParticipantID
	}
	return nil
}

// Session represents one participant's conversation run against one
// experiment on one channel. Exactly one non-ended session may exist per
// participant+experiment+channel; the store enforces this with a unique index.
type Session struct {
	ID                 string        `json:"id"`
	ExperimentID       string        `json:"experiment_id"`
	ChannelID          string        `json:"channel_id"`
	ParticipantID      string        `json:"participant_id"`
	Status             SessionStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	LastHumanMessageAt *time.Time    `json:"last_human_message_at,omitempty"`
	MessageCount       int           `json:"message_count"`
}

// IsGating reports whether the session is in a pre-active state that should
// re-prompt for consent instead of dispatching to the bot layer.
func (s *Session) IsGating() bool {
	switch s.Status {
	case StatusSetup, StatusPending, StatusPendingPreSurvey:
		return true
	default:
		return false
	}
}

// CanTransitionTo validates the session state machine:
// setup -> pending/pending_pre_survey -> active -> ended, with ended reachable
// from any state and no transitions out of ended.
func (s *Session) CanTransitionTo(next SessionStatus) bool {
	if s.Status == StatusEnded {
		return false
	}
	if next == StatusEnded {
		return true
	}
	switch s.Status {
	case StatusSetup:
		return next == StatusPending || next == StatusPendingPreSurvey || next == StatusActive
	case StatusPending, StatusPendingPreSurvey:
		return next == StatusActive
	case StatusActive:
		return false
	default:
		return false
	}
}

// Message is an immutable append-only record of one conversation turn.
// After creation only the summary checkpoint field and tags may be attached.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Summary   string      `json:"summary,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
	MediaRef  string      `json:"media_ref,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// SafetyTarget selects which side of the exchange a safety layer filters.
type SafetyTarget string

const (
	// SafetyTargetHuman filters participant input before the main LLM runs.
	SafetyTargetHuman SafetyTarget = "human"
	// SafetyTargetAI filters generated output before delivery.
	SafetyTargetAI SafetyTarget = "ai"
)

// SafetyLayer is a secondary LLM-backed binary classifier gating messages.
// A classifier that errors or answers off-format is treated as unsafe.
type SafetyLayer struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Prompt   string       `json:"prompt"`
	Target   SafetyTarget `json:"target"`
	Response string       `json:"response,omitempty"`
}

// Route maps a classification keyword to a child experiment.
type Route struct {
	Keyword      string `json:"keyword"`
	ExperimentID string `json:"experiment_id"`
	IsDefault    bool   `json:"is_default"`
}

// Experiment is a configured chatbot: prompt, model, safety layers, routes,
// channel bindings, and the gating/voice policies applied per session.
type Experiment struct {
	ID                     string                 `json:"id"`
	Name                   string                 `json:"name"`
	Prompt                 string                 `json:"prompt"`
	Model                  string                 `json:"model"`
	ConsentRequired        bool                   `json:"consent_required"`
	ConsentPrompt          string                 `json:"consent_prompt,omitempty"`
	SeedMessage            string                 `json:"seed_message,omitempty"`
	VoiceBehaviour         VoiceResponseBehaviour `json:"voice_behaviour,omitempty"`
	Voice                  string                 `json:"voice,omitempty"`
	SafetyLayers           []SafetyLayer          `json:"safety_layers,omitempty"`
	Routes                 []Route                `json:"routes,omitempty"`
	TerminalExperimentID   string                 `json:"terminal_experiment_id,omitempty"`
	MaxTokenLimit          int                    `json:"max_token_limit"`
	KeepHistoryLen         int                    `json:"keep_history_len,omitempty"`
	DebugMode              bool                   `json:"debug_mode,omitempty"`
	AllowedParticipants    []string               `json:"allowed_participants,omitempty"`
	TimeoutDelaySeconds    int                    `json:"timeout_delay_seconds,omitempty"`
	TimeoutTotalTriggers   int                    `json:"timeout_total_triggers,omitempty"`
	TimeoutPrompt          string                 `json:"timeout_prompt,omitempty"`
	ChildExperiments       map[string]*Experiment `json:"child_experiments,omitempty"`
}

// DefaultRoute returns the route marked default, or the first route when none
// is marked. Returns nil when the experiment has no routes.
func (e *Experiment) DefaultRoute() *Route {
	if len(e.Routes) == 0 {
		return nil
	}
	for i := range e.Routes {
		if e.Routes[i].IsDefault {
			return &e.Routes[i]
		}
	}
	return &e.Routes[0]
}

// RouteForKeyword resolves a classifier output to a route, falling back to
// the default route when the output matches no configured keyword.
func (e *Experiment) RouteForKeyword(keyword string) *Route {
	normalized := strings.ToLower(strings.TrimSpace(keyword))
	for i := range e.Routes {
		if strings.ToLower(e.Routes[i].Keyword) == normalized {
			return &e.Routes[i]
		}
	}
	return e.DefaultRoute()
}

// ParticipantAllowed reports whether the participant may converse with this
// experiment. An empty allow-list admits everyone.
func (e *Experiment) ParticipantAllowed(participantID string) bool {
	if len(e.AllowedParticipants) == 0 {
		return true
	}
	for _, p := range e.AllowedParticipants {
		if p == participantID {
			return true
		}
	}
	return false
}

// ExperimentChannel binds a platform and its provider-specific config to an
// experiment. Config keys are platform-dependent (tokens, numbers, secrets).
type ExperimentChannel struct {
	ID           string            `json:"id"`
	ExperimentID string            `json:"experiment_id"`
	Platform     Platform          `json:"platform"`
	Config       map[string]string `json:"config,omitempty"`
}

// Validate checks the channel binding is well formed.
func (c *ExperimentChannel) Validate() error {
	if !IsValidPlatform(c.Platform) {
		return ErrInvalidPlatform
	}
	return nil
}
