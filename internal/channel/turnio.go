package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatweave/chatweave/internal/models"
)

// DefaultTurnIOAPIBase is the Turn.io WhatsApp API endpoint prefix.
const DefaultTurnIOAPIBase = "https://whatsapp.turn.io"

// TurnIOMessenger delivers over a Turn.io-hosted WhatsApp number.
type TurnIOMessenger struct {
	token   string
	apiBase string
	http    *http.Client
}

// NewTurnIOMessenger builds a messenger from a channel binding. Required
// config: "auth_token"; "api_base" overrides the endpoint.
func NewTurnIOMessenger(binding *models.ExperimentChannel) (Messenger, error) {
	token, err := requireConfig(binding, "auth_token")
	if err != nil {
		return nil, err
	}
	apiBase := binding.Config["api_base"]
	if apiBase == "" {
		apiBase = DefaultTurnIOAPIBase
	}
	return &TurnIOMessenger{
		token:   token,
		apiBase: strings.TrimSuffix(apiBase, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Platform identifies this messenger.
func (t *TurnIOMessenger) Platform() models.Platform {
	return models.PlatformTurnIO
}

// ValidateAndCanonicalizeRecipient validates a WhatsApp phone number.
func (t *TurnIOMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendText posts a text message to the Turn.io messages endpoint.
func (t *TurnIOMessenger) SendText(ctx context.Context, to, body string) error {
	payload := map[string]any{
		"to":   to,
		"type": "text",
		"text": map[string]string{"body": body},
	}
	return t.post(ctx, "/v1/messages", payload)
}

// SendVoice is not supported by this integration; callers fall back to text.
func (t *TurnIOMessenger) SendVoice(ctx context.Context, to string, audio []byte) error {
	return &models.ChannelError{
		Platform: models.PlatformTurnIO,
		Op:       "send_voice",
		Err:      fmt.Errorf("voice delivery not supported"),
	}
}

// FetchMedia downloads inbound media by Turn.io media ID.
func (t *TurnIOMessenger) FetchMedia(ctx context.Context, ref string) ([]byte, error) {
	url := t.apiBase + "/v1/media/" + ref
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &models.ChannelError{Platform: models.PlatformTurnIO, Op: "fetch_media", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, &models.ChannelError{Platform: models.PlatformTurnIO, Op: "fetch_media", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &models.ChannelError{
			Platform: models.PlatformTurnIO,
			Op:       "fetch_media",
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return io.ReadAll(resp.Body)
}

func (t *TurnIOMessenger) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &models.ChannelError{Platform: models.PlatformTurnIO, Op: "send", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+path, bytes.NewReader(data))
	if err != nil {
		return &models.ChannelError{Platform: models.PlatformTurnIO, Op: "send", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return &models.ChannelError{Platform: models.PlatformTurnIO, Op: "send", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &models.ChannelError{
			Platform: models.PlatformTurnIO,
			Op:       "send",
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		}
	}
	return nil
}

// turnIOWebhook is the inbound payload subset the channel layer consumes.
type turnIOWebhook struct {
	Messages []struct {
		From string `json:"from"`
		ID   string `json:"id"`
		Type string `json:"type"`
		Text *struct {
			Body string `json:"body"`
		} `json:"text"`
		Voice *struct {
			ID string `json:"id"`
		} `json:"voice"`
		Audio *struct {
			ID string `json:"id"`
		} `json:"audio"`
	} `json:"messages"`
}

// ParseTurnIOWebhook normalizes a Turn.io inbound webhook. Status-only
// payloads (no messages) return an empty slice.
func ParseTurnIOWebhook(body []byte) ([]*models.IncomingMessage, error) {
	var hook turnIOWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("failed to parse turn.io webhook: %w", err)
	}
	out := make([]*models.IncomingMessage, 0, len(hook.Messages))
	for _, m := range hook.Messages {
		in := &models.IncomingMessage{
			ParticipantID:     m.From,
			PlatformMessageID: m.ID,
		}
		switch {
		case m.Type == "text" && m.Text != nil:
			in.ContentType = models.ContentTypeText
			in.Body = m.Text.Body
		case m.Voice != nil:
			in.ContentType = models.ContentTypeVoice
			in.MediaRef = m.Voice.ID
		case m.Audio != nil:
			in.ContentType = models.ContentTypeVoice
			in.MediaRef = m.Audio.ID
		default:
			in.ContentType = models.ContentTypeUnsupported
		}
		out = append(out, in)
	}
	return out, nil
}
