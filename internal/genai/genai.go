// Package genai provides the OpenAI-backed language model capability surface:
// text generation, JSON extraction, speech-to-text and text-to-speech.
package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Default configuration constants
const (
	// DefaultModel is the chat model used when none is configured.
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultTimeout bounds every remote call so a hung request can never
	// stall the message pipeline.
	DefaultTimeout = 30 * time.Second
)

// Error variables for better error handling and testability
var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrAPIKeyNotSet      = errors.New("OPENAI_API_KEY not set")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// transcriptionService defines the minimal interface for speech-to-text.
type transcriptionService interface {
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
}

// speechService defines the minimal interface for text-to-speech.
type speechService interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ClientInterface is the capability surface consumed by the conversation
// engine and language processor.
type ClientInterface interface {
	// Generate produces text from a system/user prompt pair and returns the
	// text together with the finish reason of the completion.
	Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, string, error)
	// GenerateJSON produces a JSON object response for extraction tasks.
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, error)
	// Transcribe converts speech audio to text.
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
	// Synthesize converts text to speech audio bytes.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model used for completions.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// Client wraps the OpenAI services used by the agent.
type Client struct {
	chat          chatService
	transcription transcriptionService
	speech        speechService
	model         string
	timeout       time.Duration
}

// NewClient initializes a new GenAI client. The API key is taken from
// options or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	slog.Debug("GenAI NewClient", "model", model, "timeout", timeout, "api_key_set", apiKey != "")

	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		chat:          &openAIChatService{client: cli},
		transcription: &openAIAudioService{client: cli},
		speech:        &openAIAudioService{client: cli},
		model:         model,
		timeout:       timeout,
	}, nil
}

// Generate produces a completion for the given prompts and returns the text
// and finish reason.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(maxTokens),
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI Generate failed", "error", err)
		return "", "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", ErrNoChoicesReturned
	}
	choice := resp.Choices[0]
	slog.Debug("GenAI Generate succeeded", "finish_reason", choice.FinishReason, "response_length", len(choice.Message.Content))
	return choice.Message.Content, choice.FinishReason, nil
}

// GenerateJSON produces a completion constrained to a JSON object response.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(maxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI GenerateJSON failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe converts speech audio to text using Whisper.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.transcription.Transcribe(ctx, audio)
}

// Synthesize converts text to speech audio bytes.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.speech.Synthesize(ctx, text)
}

// openAIChatService adapts the OpenAI SDK to the chatService interface.
type openAIChatService struct {
	client openai.Client
}

func (s *openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// openAIAudioService adapts the OpenAI SDK audio endpoints.
type openAIAudioService struct {
	client openai.Client
}

func (s *openAIAudioService) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	resp, err := s.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  audio,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return resp.Text, nil
}

func (s *openAIAudioService) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model: openai.SpeechModelTTS1,
		Voice: openai.AudioSpeechNewParamsVoiceAlloy,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech audio: %w", err)
	}
	return audio, nil
}
