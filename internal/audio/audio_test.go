package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/language"
)

type mockAI struct {
	transcript    string
	transcribeErr error
	speech        []byte
	speechErr     error
	detectReply   string
}

func (m *mockAI) Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, string, error) {
	return m.detectReply, "stop", nil
}

func (m *mockAI) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, error) {
	return "", nil
}

func (m *mockAI) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	return m.transcript, m.transcribeErr
}

func (m *mockAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return m.speech, m.speechErr
}

func newTestProcessor(t *testing.T, ai *mockAI) *Processor {
	t.Helper()
	p, err := NewProcessor(ai, language.NewProcessor(ai), t.TempDir())
	if err != nil {
		t.Fatalf("NewProcessor returned error: %v", err)
	}
	return p
}

func TestProcessInbound(t *testing.T) {
	ai := &mockAI{transcript: "mujhe apne ghar par loan chahiye", detectReply: "hindi"}
	p := newTestProcessor(t, ai)

	result, err := p.ProcessInbound(context.Background(), []byte("fake-ogg-bytes"), "voice.ogg")
	if err != nil {
		t.Fatalf("ProcessInbound returned error: %v", err)
	}
	if result.Text != "mujhe apne ghar par loan chahiye" {
		t.Errorf("transcript: got %q", result.Text)
	}
	if result.Language != "hindi" {
		t.Errorf("language: got %q", result.Language)
	}
	if result.StoragePath == "" {
		t.Fatal("expected audio to be archived")
	}
	if _, err := os.Stat(result.StoragePath); err != nil {
		t.Errorf("archived file missing: %v", err)
	}
}

func TestProcessInboundEmpty(t *testing.T) {
	p := newTestProcessor(t, &mockAI{})
	if _, err := p.ProcessInbound(context.Background(), nil, ""); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("expected ErrEmptyAudio, got %v", err)
	}
}

func TestProcessInboundTranscriptionError(t *testing.T) {
	p := newTestProcessor(t, &mockAI{transcribeErr: errors.New("whisper down")})
	if _, err := p.ProcessInbound(context.Background(), []byte("bytes"), ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestGenerateResponse(t *testing.T) {
	p := newTestProcessor(t, &mockAI{speech: []byte("mp3-bytes")})

	result, err := p.GenerateResponse(context.Background(), "Your loan is approved")
	if err != nil {
		t.Fatalf("GenerateResponse returned error: %v", err)
	}
	if string(result.Content) != "mp3-bytes" {
		t.Errorf("content: got %q", result.Content)
	}
	if !strings.HasSuffix(result.AudioPath, ".mp3") {
		t.Errorf("expected mp3 path, got %q", result.AudioPath)
	}
	if filepath.Base(filepath.Dir(result.AudioPath)) != "audio" {
		t.Errorf("expected file under audio dir, got %q", result.AudioPath)
	}
}

func TestGenerateResponseEmptyText(t *testing.T) {
	p := newTestProcessor(t, &mockAI{})
	if _, err := p.GenerateResponse(context.Background(), ""); !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
}
