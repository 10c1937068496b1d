// Package channel normalizes platform traffic into the internal message
// contract and drives the session state machine for each inbound turn.
//
// Every platform implements Messenger; the Channel orchestrator is platform
// agnostic and owns consent gating, content dispatch, and reply delivery.
package channel

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/chatweave/chatweave/internal/models"
)

// Messenger is the per-platform delivery contract. Implementations wrap one
// provider API and one channel binding's credentials.
type Messenger interface {
	// Platform identifies the provider this messenger speaks to.
	Platform() models.Platform

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// participant identifier. Each platform has its own rules (E.164 for
	// phone-backed platforms, chat IDs for Telegram, opaque IDs elsewhere).
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText delivers a text message.
	SendText(ctx context.Context, to, body string) error

	// SendVoice delivers synthesized audio. Platforms without voice support
	// return a ChannelError so the caller can fall back to text.
	SendVoice(ctx context.Context, to string, audio []byte) error

	// FetchMedia downloads inbound media (voice notes) by platform reference.
	FetchMedia(ctx context.Context, ref string) ([]byte, error)
}

// MessengerFactory builds a messenger from a channel binding's config map.
type MessengerFactory func(binding *models.ExperimentChannel) (Messenger, error)

// Registry maps platforms to messenger constructors. Dispatch on the
// platform enum replaces any dynamic subclass selection: unknown platforms
// fail at build time, not mid-message.
type Registry struct {
	factories map[models.Platform]MessengerFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.Platform]MessengerFactory)}
}

// Register installs the factory for a platform, replacing any previous one.
func (r *Registry) Register(p models.Platform, f MessengerFactory) {
	r.factories[p] = f
}

// Build constructs the messenger for a channel binding.
func (r *Registry) Build(binding *models.ExperimentChannel) (Messenger, error) {
	f, ok := r.factories[binding.Platform]
	if !ok {
		return nil, &models.ChannelError{
			Platform: binding.Platform,
			Op:       "build",
			Err:      fmt.Errorf("no messenger registered for platform %s", binding.Platform),
		}
	}
	return f(binding)
}

var phoneDigits = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// canonicalizePhone validates an E.164-ish phone number and strips the
// leading plus, matching the provider APIs that want bare digits.
func canonicalizePhone(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	r = strings.TrimPrefix(r, "whatsapp:")
	if !phoneDigits.MatchString(r) {
		return "", fmt.Errorf("invalid phone number: %q", recipient)
	}
	return strings.TrimPrefix(r, "+"), nil
}

// requireConfig fetches a mandatory key from a channel binding config.
func requireConfig(binding *models.ExperimentChannel, key string) (string, error) {
	v, ok := binding.Config[key]
	if !ok || v == "" {
		return "", &models.ChannelError{
			Platform: binding.Platform,
			Op:       "config",
			Err:      fmt.Errorf("missing required config key %q", key),
		}
	}
	return v, nil
}
