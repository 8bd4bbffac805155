// Package language provides language detection and translation between
// English and the supported regional languages.
package language

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/genai"
)

// DefaultLanguage is used whenever detection fails or the text is too short
// to classify.
const DefaultLanguage = "english"

// minDetectableLength is the shortest text worth sending for detection.
const minDetectableLength = 5

const (
	detectTemperature    = 0.1
	detectMaxTokens      = 10
	translateTemperature = 0.3
)

// supportedLanguages maps language names to ISO 639-1 codes.
var supportedLanguages = map[string]string{
	"english": "en",
	"hindi":   "hi",
	"kannada": "kn",
	"tamil":   "ta",
	"telugu":  "te",
}

// languageCodes is the inverse mapping from codes to names.
var languageCodes = func() map[string]string {
	codes := make(map[string]string, len(supportedLanguages))
	for name, code := range supportedLanguages {
		codes[code] = name
	}
	return codes
}()

// IsSupported reports whether the language name is one the agent can
// converse in.
func IsSupported(language string) bool {
	_, ok := supportedLanguages[language]
	return ok
}

// SupportedLanguages returns the names of all supported languages.
func SupportedLanguages() []string {
	names := make([]string, 0, len(supportedLanguages))
	for name := range supportedLanguages {
		names = append(names, name)
	}
	return names
}

// FromCode maps an ISO 639-1 code to a supported language name, defaulting
// to English for unknown codes.
func FromCode(code string) string {
	if name, ok := languageCodes[code]; ok {
		return name
	}
	return DefaultLanguage
}

// Processor detects languages and translates message text. All methods
// degrade to a safe default on model failure so a translation outage never
// drops a customer message.
type Processor struct {
	ai genai.ClientInterface
}

// NewProcessor creates a language processor backed by the given model client.
func NewProcessor(ai genai.ClientInterface) *Processor {
	return &Processor{ai: ai}
}

// Detect identifies the language of the text. Very short text and any
// detection failure default to English.
func (p *Processor) Detect(ctx context.Context, text string) string {
	if len(strings.TrimSpace(text)) < minDetectableLength {
		return DefaultLanguage
	}

	prompt := fmt.Sprintf("Identify the language of this text. Respond with only the language name, e.g., 'english', 'hindi', 'kannada', 'tamil', or 'telugu'.\n\nText: %s\n\nLanguage:", text)
	raw, _, err := p.ai.Generate(ctx, "You identify languages.", prompt, detectTemperature, detectMaxTokens)
	if err != nil {
		slog.Error("Language detection failed, defaulting to English", "error", err)
		return DefaultLanguage
	}

	detected := strings.ToLower(strings.TrimSpace(raw))
	if IsSupported(detected) {
		return detected
	}
	for name := range supportedLanguages {
		if strings.Contains(detected, name) {
			return name
		}
	}
	for code, name := range languageCodes {
		if strings.Contains(detected, code) {
			return name
		}
	}

	slog.Info("Detected unsupported language, defaulting to English", "detected", detected)
	return DefaultLanguage
}

// ToEnglish translates text into English. English input and translation
// failures pass the text through unchanged. An empty sourceLanguage triggers
// detection first.
func (p *Processor) ToEnglish(ctx context.Context, text, sourceLanguage string) string {
	if text == "" {
		return text
	}
	if sourceLanguage == "" {
		sourceLanguage = p.Detect(ctx, text)
	}
	if sourceLanguage == DefaultLanguage {
		return text
	}

	prompt := fmt.Sprintf("Translate the following %s text to English. Preserve the meaning and tone.\n\nText: %s\n\nEnglish translation:", sourceLanguage, text)
	translated, _, err := p.ai.Generate(ctx, "You are a professional translator.", prompt, translateTemperature, translationTokenBudget(text))
	if err != nil {
		slog.Error("Translation to English failed, keeping original text", "error", err, "source", sourceLanguage)
		return text
	}

	slog.Info("Translated text to English", "chars", len(text), "source", sourceLanguage)
	return strings.TrimSpace(translated)
}

// FromEnglish translates English text into the target language. English and
// unsupported targets pass the text through unchanged.
func (p *Processor) FromEnglish(ctx context.Context, text, targetLanguage string) string {
	if text == "" || targetLanguage == DefaultLanguage {
		return text
	}
	if !IsSupported(targetLanguage) {
		slog.Warn("Unsupported target language, keeping English text", "target", targetLanguage)
		return text
	}

	prompt := fmt.Sprintf("Translate the following English text to %s. Preserve the meaning and tone.\n\nText: %s\n\n%s translation:",
		targetLanguage, text, capitalize(targetLanguage))
	translated, _, err := p.ai.Generate(ctx, "You are a professional translator.", prompt, translateTemperature, translationTokenBudget(text))
	if err != nil {
		slog.Error("Translation from English failed, keeping English text", "error", err, "target", targetLanguage)
		return text
	}

	slog.Info("Translated text from English", "chars", len(text), "target", targetLanguage)
	return strings.TrimSpace(translated)
}

// translationTokenBudget allows for expansion during translation.
func translationTokenBudget(text string) int64 {
	return int64(len(text)) * 2
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
