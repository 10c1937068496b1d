package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatweave/chatweave/internal/models"
)

// DefaultTelegramAPIBase is the Bot API endpoint prefix.
const DefaultTelegramAPIBase = "https://api.telegram.org"

// TelegramMessenger speaks the Telegram Bot API over plain HTTP.
type TelegramMessenger struct {
	token   string
	apiBase string
	http    *http.Client
}

// NewTelegramMessenger builds a messenger from a channel binding. The
// binding's config must carry "bot_token"; "api_base" overrides the endpoint
// for tests and regional proxies.
func NewTelegramMessenger(binding *models.ExperimentChannel) (Messenger, error) {
	token, err := requireConfig(binding, "bot_token")
	if err != nil {
		return nil, err
	}
	apiBase := binding.Config["api_base"]
	if apiBase == "" {
		apiBase = DefaultTelegramAPIBase
	}
	return &TelegramMessenger{
		token:   token,
		apiBase: strings.TrimSuffix(apiBase, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Platform identifies this messenger.
func (t *TelegramMessenger) Platform() models.Platform {
	return models.PlatformTelegram
}

// ValidateAndCanonicalizeRecipient accepts numeric Telegram chat IDs.
func (t *TelegramMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	if _, err := strconv.ParseInt(r, 10, 64); err != nil {
		return "", fmt.Errorf("invalid telegram chat id: %q", recipient)
	}
	return r, nil
}

// SendText delivers a sendMessage call.
func (t *TelegramMessenger) SendText(ctx context.Context, to, body string) error {
	payload := map[string]string{"chat_id": to, "text": body}
	return t.call(ctx, "sendMessage", payload)
}

// SendVoice uploads the audio as a voice note via multipart sendVoice.
func (t *TelegramMessenger) SendVoice(ctx context.Context, to string, audio []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", to); err != nil {
		return t.wrap("sendVoice", err)
	}
	part, err := w.CreateFormFile("voice", "voice.ogg")
	if err != nil {
		return t.wrap("sendVoice", err)
	}
	if _, err := part.Write(audio); err != nil {
		return t.wrap("sendVoice", err)
	}
	if err := w.Close(); err != nil {
		return t.wrap("sendVoice", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendVoice", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return t.wrap("sendVoice", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.do("sendVoice", req)
}

// FetchMedia resolves a file_id through getFile and downloads the content.
func (t *TelegramMessenger) FetchMedia(ctx context.Context, ref string) ([]byte, error) {
	url := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", t.apiBase, t.token, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, t.wrap("getFile", err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, t.wrap("getFile", err)
	}
	defer resp.Body.Close()
	var meta struct {
		OK     bool `json:"ok"`
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, t.wrap("getFile", err)
	}
	if !meta.OK || meta.Result.FilePath == "" {
		return nil, t.wrap("getFile", fmt.Errorf("file %s not found", ref))
	}

	dlURL := fmt.Sprintf("%s/file/bot%s/%s", t.apiBase, t.token, meta.Result.FilePath)
	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, dlURL, nil)
	if err != nil {
		return nil, t.wrap("download", err)
	}
	dlResp, err := t.http.Do(dlReq)
	if err != nil {
		return nil, t.wrap("download", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		return nil, t.wrap("download", fmt.Errorf("unexpected status %d", dlResp.StatusCode))
	}
	return io.ReadAll(dlResp.Body)
}

func (t *TelegramMessenger) call(ctx context.Context, method string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return t.wrap(method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return t.wrap(method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(method, req)
}

func (t *TelegramMessenger) do(method string, req *http.Request) error {
	resp, err := t.http.Do(req)
	if err != nil {
		return t.wrap(method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return t.wrap(method, fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}
	return nil
}

func (t *TelegramMessenger) wrap(op string, err error) error {
	return &models.ChannelError{Platform: models.PlatformTelegram, Op: op, Err: err}
}

// telegramUpdate is the subset of the Bot API update payload the channel
// layer consumes.
type telegramUpdate struct {
	Message struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text  string `json:"text"`
		Voice *struct {
			FileID string `json:"file_id"`
		} `json:"voice"`
		Audio *struct {
			FileID string `json:"file_id"`
		} `json:"audio"`
		Photo    json.RawMessage `json:"photo"`
		Document json.RawMessage `json:"document"`
		Sticker  json.RawMessage `json:"sticker"`
	} `json:"message"`
}

// ParseTelegramUpdate normalizes a Bot API webhook update into the internal
// message contract. Updates without a message (edits, callbacks) return nil.
func ParseTelegramUpdate(body []byte) (*models.IncomingMessage, error) {
	var upd telegramUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, fmt.Errorf("failed to parse telegram update: %w", err)
	}
	if upd.Message.Chat.ID == 0 {
		return nil, nil
	}
	msg := &models.IncomingMessage{
		ParticipantID:     strconv.FormatInt(upd.Message.Chat.ID, 10),
		PlatformMessageID: strconv.FormatInt(upd.Message.MessageID, 10),
	}
	switch {
	case upd.Message.Voice != nil:
		msg.ContentType = models.ContentTypeVoice
		msg.MediaRef = upd.Message.Voice.FileID
	case upd.Message.Audio != nil:
		msg.ContentType = models.ContentTypeVoice
		msg.MediaRef = upd.Message.Audio.FileID
	case upd.Message.Text != "":
		msg.ContentType = models.ContentTypeText
		msg.Body = upd.Message.Text
	default:
		msg.ContentType = models.ContentTypeUnsupported
	}
	return msg, nil
}
