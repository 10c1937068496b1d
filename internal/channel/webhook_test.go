package channel

import (
	"net/url"
	"testing"

	"github.com/chatweave/chatweave/internal/models"
)

func TestParseTelegramUpdate(t *testing.T) {
	body := []byte(`{
		"update_id": 7,
		"message": {
			"message_id": 42,
			"chat": {"id": 123456789},
			"text": "hello bot"
		}
	}`)
	msg, err := ParseTelegramUpdate(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ParticipantID != "123456789" {
		t.Errorf("participant = %q", msg.ParticipantID)
	}
	if msg.Body != "hello bot" || msg.ContentType != models.ContentTypeText {
		t.Errorf("msg = %+v", msg)
	}
	if msg.PlatformMessageID != "42" {
		t.Errorf("platform message id = %q", msg.PlatformMessageID)
	}
}

func TestParseTelegramUpdateVoice(t *testing.T) {
	body := []byte(`{
		"message": {
			"message_id": 43,
			"chat": {"id": 123},
			"voice": {"file_id": "voice-file-abc", "duration": 3}
		}
	}`)
	msg, err := ParseTelegramUpdate(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ContentType != models.ContentTypeVoice || msg.MediaRef != "voice-file-abc" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestParseTelegramUpdateSticker(t *testing.T) {
	body := []byte(`{
		"message": {
			"message_id": 44,
			"chat": {"id": 123},
			"sticker": {"file_id": "sticker-1"}
		}
	}`)
	msg, err := ParseTelegramUpdate(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ContentType != models.ContentTypeUnsupported {
		t.Errorf("content type = %s, want unsupported", msg.ContentType)
	}
}

func TestParseTelegramUpdateWithoutMessage(t *testing.T) {
	msg, err := ParseTelegramUpdate([]byte(`{"update_id": 9}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil for a message-less update, got %+v", msg)
	}
}

func TestParseTwilioWebhookText(t *testing.T) {
	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "hi there")
	form.Set("MessageSid", "SM123")
	form.Set("NumMedia", "0")

	msg, err := ParseTwilioWebhook(form)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ParticipantID != "+15551234567" {
		t.Errorf("participant = %q", msg.ParticipantID)
	}
	if msg.Body != "hi there" || msg.ContentType != models.ContentTypeText {
		t.Errorf("msg = %+v", msg)
	}
	if msg.PlatformMessageID != "SM123" {
		t.Errorf("platform message id = %q", msg.PlatformMessageID)
	}
}

func TestParseTwilioWebhookVoiceMedia(t *testing.T) {
	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("NumMedia", "1")
	form.Set("MediaContentType0", "audio/ogg")
	form.Set("MediaUrl0", "https://api.twilio.com/media/ME123")

	msg, err := ParseTwilioWebhook(form)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ContentType != models.ContentTypeVoice || msg.MediaRef != "https://api.twilio.com/media/ME123" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestParseTwilioWebhookImageIsUnsupported(t *testing.T) {
	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("NumMedia", "1")
	form.Set("MediaContentType0", "image/jpeg")

	msg, err := ParseTwilioWebhook(form)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ContentType != models.ContentTypeUnsupported {
		t.Errorf("content type = %s, want unsupported", msg.ContentType)
	}
}

func TestParseTurnIOWebhook(t *testing.T) {
	body := []byte(`{
		"messages": [
			{"from": "15551234567", "id": "wamid.1", "type": "text", "text": {"body": "hey"}},
			{"from": "15551234567", "id": "wamid.2", "type": "voice", "voice": {"id": "media-9"}}
		]
	}`)
	msgs, err := ParseTurnIOWebhook(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].Body != "hey" || msgs[0].ContentType != models.ContentTypeText {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].ContentType != models.ContentTypeVoice || msgs[1].MediaRef != "media-9" {
		t.Errorf("second = %+v", msgs[1])
	}
}

func TestParseTurnIOStatusOnlyWebhook(t *testing.T) {
	msgs, err := ParseTurnIOWebhook([]byte(`{"statuses": [{"id": "wamid.1", "status": "delivered"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %+v", msgs)
	}
}

func TestParseSureAdhereWebhook(t *testing.T) {
	body := []byte(`{"patient_id": "pat-77", "message": "took my dose", "message_id": "sa-1"}`)
	msg, err := ParseSureAdhereWebhook(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ParticipantID != "pat-77" || msg.Body != "took my dose" {
		t.Errorf("msg = %+v", msg)
	}
	if _, err := ParseSureAdhereWebhook([]byte(`{"message": "no id"}`)); err == nil {
		t.Error("missing patient_id must be rejected")
	}
}

func TestCanonicalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+15551234567", "15551234567", true},
		{"15551234567", "15551234567", true},
		{"whatsapp:+15551234567", "15551234567", true},
		{" +15551234567 ", "15551234567", true},
		{"not-a-number", "", false},
		{"+1", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := canonicalizePhone(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("canonicalizePhone(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("canonicalizePhone(%q) should fail", tc.in)
		}
	}
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(models.PlatformAPI, func(binding *models.ExperimentChannel) (Messenger, error) {
		return NewCaptureMessenger(), nil
	})

	binding := &models.ExperimentChannel{ID: "ch1", Platform: models.PlatformAPI}
	m, err := reg.Build(binding)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if m.Platform() != models.PlatformAPI {
		t.Errorf("platform = %s", m.Platform())
	}

	unknown := &models.ExperimentChannel{ID: "ch2", Platform: models.PlatformTelegram}
	if _, err := reg.Build(unknown); err == nil {
		t.Error("unregistered platform must fail at build time")
	}
}
