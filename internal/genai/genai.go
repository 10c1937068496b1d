// Package genai provides the LLM provider client used by the bot layer.
//
// It wraps the OpenAI chat completion API behind a small interface so the
// orchestration code can be exercised with fakes, and accumulates token usage
// across sub-invocations for per-turn accounting.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured for an experiment.
const DefaultModel = openai.ChatModelGPT4oMini

// Usage is the token count of one or more LLM invocations. Counts from
// classification, main generation, and safety calls are summed per turn.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Add accumulates another invocation's usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Total returns the combined token count.
func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// ClientInterface is the minimal LLM contract the bot layer consumes:
// invoke messages, get text plus token counts.
type ClientInterface interface {
	// GenerateWithMessages runs one chat completion over the given messages.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, Usage, error)

	// Model returns the model identifier requests are sent to.
	Model() string
}

// Opts holds configuration for the OpenAI client.
type Opts struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Option configures the OpenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at an alternate API endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// Client is the OpenAI-backed implementation of ClientInterface.
type Client struct {
	api   openai.Client
	model string
}

// NewClient initializes an OpenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not set via options.
func NewClient(opts ...Option) (*Client, error) {
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
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	slog.Debug("genai.NewClient: initialized OpenAI client", "model", cfg.Model, "base_url_set", cfg.BaseURL != "")
	return &Client{api: openai.NewClient(reqOpts...), model: cfg.Model}, nil
}

// WithModelOverride returns a client targeting a different model but sharing
// the underlying connection. Used for per-experiment model selection.
func (c *Client) WithModelOverride(model string) *Client {
	if model == "" || model == c.model {
		return c
	}
	return &Client{api: c.api, model: model}
}

// Model returns the configured chat model.
func (c *Client) Model() string {
	return c.model
}

// GenerateWithMessages runs one chat completion and returns the first
// choice's content along with token usage.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, Usage, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("genai.GenerateWithMessages: completion failed", "model", c.model, "error", err)
		return "", Usage{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.GenerateWithMessages: no choices returned", "model", c.model)
		return "", Usage{}, fmt.Errorf("no choices returned")
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	slog.Debug("genai.GenerateWithMessages: completion succeeded",
		"model", c.model,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens)
	return resp.Choices[0].Message.Content, usage, nil
}
