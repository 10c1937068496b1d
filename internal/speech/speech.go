// Package speech provides voice transcription and synthesis for channels
// that exchange voice notes.
//
// Transcription failures propagate (the participant is notified first by the
// channel layer); synthesis failures are recoverable and delivery falls back
// to text.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/chatweave/chatweave/internal/models"
)

// DefaultVoice is used when an experiment does not configure one.
const DefaultVoice = "alloy"

// Transcriber converts participant voice notes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Synthesizer converts bot replies to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Service bundles both directions of the speech pipeline.
type Service interface {
	Transcriber
	Synthesizer
}

// Opts holds configuration for the OpenAI speech service.
type Opts struct {
	APIKey   string
	STTModel string
	TTSModel string
}

// Option configures the OpenAI speech service.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithSTTModel sets the transcription model.
func WithSTTModel(model string) Option {
	return func(o *Opts) { o.STTModel = model }
}

// WithTTSModel sets the synthesis model.
func WithTTSModel(model string) Option {
	return func(o *Opts) { o.TTSModel = model }
}

// OpenAIService implements Service with the OpenAI audio endpoints.
type OpenAIService struct {
	api      openai.Client
	sttModel string
	ttsModel string
}

// NewOpenAIService initializes the speech service. The API key falls back to
// the OPENAI_API_KEY environment variable.
func NewOpenAIService(opts ...Option) (*OpenAIService, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.STTModel == "" {
		cfg.STTModel = openai.AudioModelWhisper1
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = openai.SpeechModelTTS1
	}
	slog.Debug("speech.NewOpenAIService: initialized", "stt_model", cfg.STTModel, "tts_model", cfg.TTSModel)
	return &OpenAIService{
		api:      openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		sttModel: cfg.STTModel,
		ttsModel: cfg.TTSModel,
	}, nil
}

// Transcribe converts a voice note to text. Errors are wrapped in
// AudioTranscriptionError so the channel layer can apply the notify-then-
// propagate contract.
func (s *OpenAIService) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", &models.AudioTranscriptionError{Err: fmt.Errorf("empty audio payload")}
	}
	if filename == "" {
		filename = "voice.ogg"
	}
	resp, err := s.api.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: s.sttModel,
		File:  openai.File(bytes.NewReader(audio), filename, "application/octet-stream"),
	})
	if err != nil {
		slog.Error("speech.Transcribe: transcription failed", "model", s.sttModel, "bytes", len(audio), "error", err)
		return "", &models.AudioTranscriptionError{Err: err}
	}
	slog.Debug("speech.Transcribe: succeeded", "model", s.sttModel, "chars", len(resp.Text))
	return resp.Text, nil
}

// Synthesize converts text to audio using the configured voice. Errors are
// wrapped in AudioSynthesizeError; callers fall back to text delivery.
func (s *OpenAIService) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if text == "" {
		return nil, &models.AudioSynthesizeError{Err: fmt.Errorf("empty text")}
	}
	if voice == "" {
		voice = DefaultVoice
	}
	resp, err := s.api.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model: s.ttsModel,
		Input: text,
		Voice: openai.AudioSpeechNewParamsVoice(voice),
	})
	if err != nil {
		slog.Error("speech.Synthesize: synthesis failed", "model", s.ttsModel, "voice", voice, "error", err)
		return nil, &models.AudioSynthesizeError{Err: err}
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("speech.Synthesize: failed to read audio body", "error", err)
		return nil, &models.AudioSynthesizeError{Err: err}
	}
	slog.Debug("speech.Synthesize: succeeded", "model", s.ttsModel, "voice", voice, "bytes", len(audio))
	return audio, nil
}
