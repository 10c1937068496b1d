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

// SureAdhereMessenger delivers through a SureAdhere tenant's patient
// messaging API. Text only; the platform has no voice transport.
type SureAdhereMessenger struct {
	apiBase  string
	tenantID string
	token    string
	http     *http.Client
}

// NewSureAdhereMessenger builds a messenger from a channel binding. Required
// config: "api_base", "tenant_id", "auth_token".
func NewSureAdhereMessenger(binding *models.ExperimentChannel) (Messenger, error) {
	apiBase, err := requireConfig(binding, "api_base")
	if err != nil {
		return nil, err
	}
	tenantID, err := requireConfig(binding, "tenant_id")
	if err != nil {
		return nil, err
	}
	token, err := requireConfig(binding, "auth_token")
	if err != nil {
		return nil, err
	}
	return &SureAdhereMessenger{
		apiBase:  strings.TrimSuffix(apiBase, "/"),
		tenantID: tenantID,
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Platform identifies this messenger.
func (s *SureAdhereMessenger) Platform() models.Platform {
	return models.PlatformSureAdhere
}

// ValidateAndCanonicalizeRecipient accepts non-empty SureAdhere patient IDs.
func (s *SureAdhereMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	if r == "" {
		return "", fmt.Errorf("empty sureadhere patient id")
	}
	return r, nil
}

// SendText posts an outbound message to the tenant's send endpoint.
func (s *SureAdhereMessenger) SendText(ctx context.Context, to, body string) error {
	payload := map[string]string{
		"tenant_id":  s.tenantID,
		"patient_id": to,
		"message":    body,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &models.ChannelError{Platform: models.PlatformSureAdhere, Op: "send_text", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/messages/send", bytes.NewReader(data))
	if err != nil {
		return &models.ChannelError{Platform: models.PlatformSureAdhere, Op: "send_text", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return &models.ChannelError{Platform: models.PlatformSureAdhere, Op: "send_text", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &models.ChannelError{
			Platform: models.PlatformSureAdhere,
			Op:       "send_text",
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		}
	}
	return nil
}

// SendVoice is not supported; callers fall back to text.
func (s *SureAdhereMessenger) SendVoice(ctx context.Context, to string, audio []byte) error {
	return &models.ChannelError{
		Platform: models.PlatformSureAdhere,
		Op:       "send_voice",
		Err:      fmt.Errorf("voice delivery not supported"),
	}
}

// FetchMedia is not supported; inbound SureAdhere messages are text only.
func (s *SureAdhereMessenger) FetchMedia(ctx context.Context, ref string) ([]byte, error) {
	return nil, &models.ChannelError{
		Platform: models.PlatformSureAdhere,
		Op:       "fetch_media",
		Err:      fmt.Errorf("media not supported"),
	}
}

// ParseSureAdhereWebhook normalizes a SureAdhere inbound webhook.
func ParseSureAdhereWebhook(body []byte) (*models.IncomingMessage, error) {
	var hook struct {
		PatientID string `json:"patient_id"`
		Message   string `json:"message"`
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("failed to parse sureadhere webhook: %w", err)
	}
	if hook.PatientID == "" {
		return nil, fmt.Errorf("sureadhere webhook missing patient_id")
	}
	return &models.IncomingMessage{
		ParticipantID:     hook.PatientID,
		Body:              hook.Message,
		ContentType:       models.ContentTypeText,
		PlatformMessageID: hook.MessageID,
	}, nil
}
