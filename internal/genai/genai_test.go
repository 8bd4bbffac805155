package genai

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	response openai.ChatCompletion
	err      error
	called   bool
	params   openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.called = true
	m.params = params
	return m.response, m.err
}

type mockTranscriptionService struct {
	text string
	err  error
}

func (m *mockTranscriptionService) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	return m.text, m.err
}

type mockSpeechService struct {
	audio []byte
	err   error
}

func (m *mockSpeechService) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return m.audio, m.err
}

func newTestClient(chat chatService) *Client {
	return &Client{
		chat:    chat,
		model:   DefaultModel,
		timeout: time.Second,
	}
}

func completionWith(content, finishReason string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{
				Message:      openai.ChatCompletionMessage{Content: content},
				FinishReason: finishReason,
			},
		},
	}
}

func TestGenerate(t *testing.T) {
	mock := &mockChatService{response: completionWith("Hello there!", "stop")}
	client := newTestClient(mock)

	text, finishReason, err := client.Generate(context.Background(), "You are helpful.", "Say hello", 0.7, 800)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if text != "Hello there!" {
		t.Errorf("expected 'Hello there!', got %q", text)
	}
	if finishReason != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", finishReason)
	}
	if !mock.called {
		t.Error("expected chat service to be called")
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("expected 2 messages (system + user), got %d", len(mock.params.Messages))
	}
	if mock.params.Temperature.Value != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", mock.params.Temperature.Value)
	}
	if mock.params.MaxTokens.Value != 800 {
		t.Errorf("expected max tokens 800, got %v", mock.params.MaxTokens.Value)
	}
}

func TestGenerateError(t *testing.T) {
	mock := &mockChatService{err: errors.New("API unavailable")}
	client := newTestClient(mock)

	_, _, err := client.Generate(context.Background(), "sys", "user", 0.7, 100)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "API unavailable") {
		t.Errorf("expected wrapped API error, got %v", err)
	}
}

func TestGenerateNoChoices(t *testing.T) {
	mock := &mockChatService{response: openai.ChatCompletion{}}
	client := newTestClient(mock)

	_, _, err := client.Generate(context.Background(), "sys", "user", 0.7, 100)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestGenerateJSON(t *testing.T) {
	mock := &mockChatService{response: completionWith(`{"loan_amount_needed": 5000000}`, "stop")}
	client := newTestClient(mock)

	text, err := client.GenerateJSON(context.Background(), "Extract info.", "I need 50 lakhs", 0.1, 500)
	if err != nil {
		t.Fatalf("GenerateJSON returned error: %v", err)
	}
	if text != `{"loan_amount_needed": 5000000}` {
		t.Errorf("unexpected response: %q", text)
	}
	if mock.params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format to be set")
	}
}

func TestTranscribe(t *testing.T) {
	client := newTestClient(&mockChatService{})
	client.transcription = &mockTranscriptionService{text: "I want a loan against my flat"}

	text, err := client.Transcribe(context.Background(), strings.NewReader("fake-audio"))
	if err != nil {
		t.Fatalf("Transcribe returned error: %v", err)
	}
	if text != "I want a loan against my flat" {
		t.Errorf("unexpected transcript: %q", text)
	}
}

func TestSynthesize(t *testing.T) {
	client := newTestClient(&mockChatService{})
	client.speech = &mockSpeechService{audio: []byte{0x4f, 0x67, 0x67}}

	audio, err := client.Synthesize(context.Background(), "Our interest rates start at 9 percent")
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if len(audio) != 3 {
		t.Errorf("unexpected audio length: %d", len(audio))
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("expected ErrAPIKeyNotSet, got %v", err)
	}
}

func TestNewClientOptions(t *testing.T) {
	client, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	if client.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", client.model)
	}
	if client.timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", client.timeout)
	}
}
