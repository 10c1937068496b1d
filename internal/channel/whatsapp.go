package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/chatweave/chatweave/internal/models"
)

const (
	// DefaultWhatsAppDBPath is the default whatsmeow session database.
	DefaultWhatsAppDBPath = "/var/lib/chatweave/whatsmeow.db"
	// whatsAppJIDSuffix is the JID suffix for regular user accounts.
	whatsAppJIDSuffix = "s.whatsapp.net"
)

// WhatsAppOpts holds configuration for the native WhatsApp transport.
type WhatsAppOpts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write the login QR code
	NumericCode bool   // print a numeric pairing code instead of a QR block
}

// WhatsAppOption configures the native WhatsApp transport.
type WhatsAppOption func(*WhatsAppOpts)

// WithWhatsAppDBDSN sets the whatsmeow session database connection string.
func WithWhatsAppDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithWhatsAppQROutput writes the login QR code to the given path instead of
// stdout.
func WithWhatsAppQROutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithWhatsAppNumericCode prints a numeric pairing code instead of a QR code.
func WithWhatsAppNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppMessenger drives a native WhatsApp account over whatsmeow. Unlike
// the webhook platforms it owns a persistent connection; inbound messages
// arrive through an event handler instead of an HTTP endpoint.
type WhatsAppMessenger struct {
	wa *whatsmeow.Client

	mu    sync.Mutex
	voice map[string]*waE2E.AudioMessage // media ref -> downloadable payload
}

// NewWhatsAppMessenger connects (or pairs) a WhatsApp account. First-time
// use prints a QR code for pairing; later runs reuse the stored session.
func NewWhatsAppMessenger(opts ...WhatsAppOption) (*WhatsAppMessenger, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultWhatsAppDBPath
	}
	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	} else if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("WhatsAppMessenger: whatsmeow works best with foreign keys enabled on its SQLite store",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize whatsapp session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load whatsapp device: %w", err)
	}
	wa := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if wa.Store.ID == nil {
		slog.Info("WhatsAppMessenger: login required, starting pairing flow")
		qrChan, _ := wa.GetQRChannel(ctx)
		if err := wa.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect for whatsapp pairing: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR output file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsAppMessenger: pairing event", "event", evt.Event)
			}
		}
	} else if err := wa.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to whatsapp: %w", err)
	}
	slog.Info("WhatsAppMessenger: connected")
	return &WhatsAppMessenger{wa: wa, voice: make(map[string]*waE2E.AudioMessage)}, nil
}

// Platform identifies this messenger.
func (w *WhatsAppMessenger) Platform() models.Platform {
	return models.PlatformWhatsApp
}

// ValidateAndCanonicalizeRecipient validates a phone number and strips the
// plus sign, matching the JID user part.
func (w *WhatsAppMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendText sends a plain conversation message.
func (w *WhatsAppMessenger) SendText(ctx context.Context, to, body string) error {
	jid := types.NewJID(to, whatsAppJIDSuffix)
	_, err := w.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return &models.ChannelError{Platform: models.PlatformWhatsApp, Op: "send_text", Err: err}
	}
	return nil
}

// SendVoice uploads the audio to WhatsApp media storage and sends it as a
// push-to-talk voice note.
func (w *WhatsAppMessenger) SendVoice(ctx context.Context, to string, audio []byte) error {
	up, err := w.wa.Upload(ctx, audio, whatsmeow.MediaAudio)
	if err != nil {
		return &models.ChannelError{Platform: models.PlatformWhatsApp, Op: "send_voice", Err: err}
	}
	msg := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String("audio/ogg; codecs=opus"),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		PTT:           proto.Bool(true),
	}}
	jid := types.NewJID(to, whatsAppJIDSuffix)
	if _, err := w.wa.SendMessage(ctx, jid, msg); err != nil {
		return &models.ChannelError{Platform: models.PlatformWhatsApp, Op: "send_voice", Err: err}
	}
	return nil
}

// FetchMedia downloads a voice note seen earlier by the event handler.
func (w *WhatsAppMessenger) FetchMedia(ctx context.Context, ref string) ([]byte, error) {
	w.mu.Lock()
	audioMsg, ok := w.voice[ref]
	delete(w.voice, ref)
	w.mu.Unlock()
	if !ok {
		return nil, &models.ChannelError{
			Platform: models.PlatformWhatsApp,
			Op:       "fetch_media",
			Err:      fmt.Errorf("no downloadable media for ref %s", ref),
		}
	}
	data, err := w.wa.Download(ctx, audioMsg)
	if err != nil {
		return nil, &models.ChannelError{Platform: models.PlatformWhatsApp, Op: "fetch_media", Err: err}
	}
	return data, nil
}

// OnMessage registers the inbound handler. Each WhatsApp message event is
// normalized into the internal contract and handed to fn on the event
// goroutine; fn owns its own error handling.
func (w *WhatsAppMessenger) OnMessage(fn func(*models.IncomingMessage)) {
	w.wa.AddEventHandler(func(evt interface{}) {
		msgEvt, ok := evt.(*events.Message)
		if !ok || msgEvt.Message == nil || msgEvt.Info.IsFromMe {
			return
		}
		in := w.normalize(msgEvt)
		if in == nil {
			return
		}
		fn(in)
	})
}

// normalize converts a whatsmeow message event into the internal contract.
func (w *WhatsAppMessenger) normalize(evt *events.Message) *models.IncomingMessage {
	in := &models.IncomingMessage{
		ParticipantID:     evt.Info.Sender.User,
		PlatformMessageID: evt.Info.ID,
	}
	msg := evt.Message
	switch {
	case msg.GetAudioMessage() != nil:
		in.ContentType = models.ContentTypeVoice
		in.MediaRef = evt.Info.ID
		w.mu.Lock()
		w.voice[evt.Info.ID] = msg.GetAudioMessage()
		w.mu.Unlock()
	case msg.GetConversation() != "":
		in.ContentType = models.ContentTypeText
		in.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		in.ContentType = models.ContentTypeText
		in.Body = msg.GetExtendedTextMessage().GetText()
	default:
		in.ContentType = models.ContentTypeUnsupported
	}
	return in
}

// Disconnect tears down the connection.
func (w *WhatsAppMessenger) Disconnect() {
	w.wa.Disconnect()
}
