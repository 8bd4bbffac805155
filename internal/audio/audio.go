// Package audio processes voice messages: inbound transcription with
// language detection, and outbound text-to-speech generation.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/genai"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/language"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/util"
)

// Error variables for better error handling and testability
var (
	ErrEmptyAudio = errors.New("no audio content provided")
	ErrEmptyText  = errors.New("no text provided for audio generation")
)

// Transcription is the result of processing one inbound voice message.
type Transcription struct {
	Text        string
	Language    string
	StoragePath string
}

// Synthesis is the result of generating one outbound voice message.
type Synthesis struct {
	AudioPath string
	Content   []byte
}

// Processor transcribes inbound voice messages and synthesizes outbound
// ones. Audio files are retained under mediaDir/audio for audit purposes.
type Processor struct {
	ai       genai.ClientInterface
	lang     *language.Processor
	mediaDir string
}

// NewProcessor creates an audio processor. The audio subdirectory of
// mediaDir is created if missing.
func NewProcessor(ai genai.ClientInterface, lang *language.Processor, mediaDir string) (*Processor, error) {
	audioDir := filepath.Join(mediaDir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory %s: %w", audioDir, err)
	}
	return &Processor{ai: ai, lang: lang, mediaDir: mediaDir}, nil
}

// ProcessInbound transcribes an inbound voice message and detects the
// language of the transcript. The raw audio is stored for audit.
func (p *Processor) ProcessInbound(ctx context.Context, content []byte, filename string) (Transcription, error) {
	if len(content) == 0 {
		return Transcription{}, ErrEmptyAudio
	}
	if filename == "" {
		filename = "audio_" + util.GenerateRandomHex(16) + ".ogg"
	}

	text, err := p.ai.Transcribe(ctx, bytes.NewReader(content))
	if err != nil {
		slog.Error("Audio transcription failed", "error", err, "filename", filename)
		return Transcription{}, fmt.Errorf("failed to transcribe audio: %w", err)
	}

	detected := p.lang.Detect(ctx, text)

	storagePath, err := p.save(content, filename)
	if err != nil {
		// Keep the transcript even when archival fails.
		slog.Warn("Failed to archive inbound audio", "error", err, "filename", filename)
	}

	slog.Info("Transcribed inbound audio", "chars", len(text), "language", detected, "storage_path", storagePath)
	return Transcription{Text: text, Language: detected, StoragePath: storagePath}, nil
}

// GenerateResponse synthesizes speech for an outbound message and stores the
// audio file.
func (p *Processor) GenerateResponse(ctx context.Context, text string) (Synthesis, error) {
	if text == "" {
		return Synthesis{}, ErrEmptyText
	}

	content, err := p.ai.Synthesize(ctx, text)
	if err != nil {
		slog.Error("Audio synthesis failed", "error", err)
		return Synthesis{}, fmt.Errorf("failed to synthesize audio: %w", err)
	}

	filename := "response_" + util.GenerateRandomHex(16) + ".mp3"
	storagePath, err := p.save(content, filename)
	if err != nil {
		return Synthesis{}, fmt.Errorf("failed to store synthesized audio: %w", err)
	}

	slog.Info("Generated audio response", "chars", len(text), "bytes", len(content), "audio_path", storagePath)
	return Synthesis{AudioPath: storagePath, Content: content}, nil
}

func (p *Processor) save(content []byte, filename string) (string, error) {
	if filepath.Ext(filename) == "" {
		filename += ".ogg"
	}
	path := filepath.Join(p.mediaDir, "audio", filename)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
