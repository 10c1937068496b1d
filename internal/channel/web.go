package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chatweave/chatweave/internal/models"
)

// OutboundMessage is one delivery queued for an in-process consumer (the
// websocket handler or a synchronous API call).
type OutboundMessage struct {
	To    string
	Body  string
	Audio []byte
	Voice bool
}

// WebMessenger delivers replies into per-participant outboxes instead of an
// external provider. The websocket handler subscribes to a participant's
// outbox and streams deliveries to the browser.
type WebMessenger struct {
	mu       sync.Mutex
	outboxes map[string]chan OutboundMessage
	buffer   int
}

// NewWebMessenger builds an in-process messenger.
func NewWebMessenger() *WebMessenger {
	return &WebMessenger{outboxes: make(map[string]chan OutboundMessage), buffer: 16}
}

// Platform identifies this messenger.
func (w *WebMessenger) Platform() models.Platform {
	return models.PlatformWeb
}

// ValidateAndCanonicalizeRecipient accepts any non-empty opaque web ID.
func (w *WebMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	if r == "" {
		return "", fmt.Errorf("empty web participant id")
	}
	return r, nil
}

// Subscribe returns the participant's outbox, creating it on first use.
func (w *WebMessenger) Subscribe(participantID string) <-chan OutboundMessage {
	return w.outbox(participantID)
}

// Unsubscribe drops the participant's outbox; pending deliveries are lost,
// matching a closed browser tab.
func (w *WebMessenger) Unsubscribe(participantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.outboxes[participantID]; ok {
		close(ch)
		delete(w.outboxes, participantID)
	}
}

// SendText queues a text delivery. A full or missing outbox drops the
// message rather than blocking the orchestration path.
func (w *WebMessenger) SendText(ctx context.Context, to, body string) error {
	return w.deliver(to, OutboundMessage{To: to, Body: body})
}

// SendVoice queues synthesized audio for the browser to play.
func (w *WebMessenger) SendVoice(ctx context.Context, to string, audio []byte) error {
	return w.deliver(to, OutboundMessage{To: to, Audio: audio, Voice: true})
}

// FetchMedia is not used: browser voice notes arrive inline as upload bytes.
func (w *WebMessenger) FetchMedia(ctx context.Context, ref string) ([]byte, error) {
	return nil, &models.ChannelError{
		Platform: models.PlatformWeb,
		Op:       "fetch_media",
		Err:      fmt.Errorf("web media arrives inline, ref %s not fetchable", ref),
	}
}

func (w *WebMessenger) deliver(to string, msg OutboundMessage) error {
	ch := w.outbox(to)
	select {
	case ch <- msg:
		return nil
	default:
		return &models.ChannelError{
			Platform: models.PlatformWeb,
			Op:       "deliver",
			Err:      fmt.Errorf("outbox full for participant %s", to),
		}
	}
}

func (w *WebMessenger) outbox(participantID string) chan OutboundMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.outboxes[participantID]
	if !ok {
		ch = make(chan OutboundMessage, w.buffer)
		w.outboxes[participantID] = ch
	}
	return ch
}

// CaptureMessenger records deliveries for the synchronous API channel: the
// HTTP handler sends one message, waits for the orchestrated reply, and
// returns it in the response body.
type CaptureMessenger struct {
	mu       sync.Mutex
	captured []OutboundMessage
}

// NewCaptureMessenger builds an empty capture messenger.
func NewCaptureMessenger() *CaptureMessenger {
	return &CaptureMessenger{}
}

// Platform identifies this messenger.
func (c *CaptureMessenger) Platform() models.Platform {
	return models.PlatformAPI
}

// ValidateAndCanonicalizeRecipient accepts any non-empty opaque API ID.
func (c *CaptureMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	if r == "" {
		return "", fmt.Errorf("empty api participant id")
	}
	return r, nil
}

// SendText records a text delivery.
func (c *CaptureMessenger) SendText(ctx context.Context, to, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captured = append(c.captured, OutboundMessage{To: to, Body: body})
	return nil
}

// SendVoice records a voice delivery.
func (c *CaptureMessenger) SendVoice(ctx context.Context, to string, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captured = append(c.captured, OutboundMessage{To: to, Audio: audio, Voice: true})
	return nil
}

// FetchMedia is not supported on the API channel.
func (c *CaptureMessenger) FetchMedia(ctx context.Context, ref string) ([]byte, error) {
	return nil, &models.ChannelError{
		Platform: models.PlatformAPI,
		Op:       "fetch_media",
		Err:      fmt.Errorf("media not supported"),
	}
}

// Drain returns and clears everything captured since the last call.
func (c *CaptureMessenger) Drain() []OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.captured
	c.captured = nil
	return out
}
