// Package messaging provides pluggable WhatsApp message delivery backends
// with shared sending policy: per-recipient daily rate limiting, the 24-hour
// conversation window rule, and transport retry with exponential backoff.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// Error variables for better error handling and testability
var (
	ErrRateLimited       = errors.New("daily rate limit exceeded for recipient")
	ErrWindowExpired     = errors.New("conversation window expired")
	ErrServiceStopped    = errors.New("messaging service is stopped")
	ErrAudioNotSupported = errors.New("audio messages are not supported by this backend")
)

// phoneNumberRegex matches characters that are not digits, used for
// canonicalizing phone numbers.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable WhatsApp delivery abstraction. Free-form text
// and audio are only deliverable inside the conversation window; templates
// work at any time and open a new window.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// phone number. Returns the canonicalized recipient and an error if
	// validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a free-form text message. Backends that enforce the
	// conversation window fall back to the default template when it has
	// expired.
	SendText(ctx context.Context, to string, body string) error

	// SendAudio sends a voice message from a local audio file.
	SendAudio(ctx context.Context, to string, audioPath string) error

	// SendTemplate sends a pre-approved template with body parameters.
	SendTemplate(ctx context.Context, to string, templateName string, params map[string]string) error

	// Start begins any background processing (e.g. event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns a channel of normalized incoming messages.
	Inbound() <-chan models.InboundMessage
}

// canonicalizeRecipient strips non-digit characters and validates length.
// All backends share the same recipient rules.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}

	if canonical != recipient {
		slog.Debug("canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// validateBody checks message body constraints shared by all backends.
func validateBody(body string) error {
	if body == "" {
		return models.ErrEmptyBody
	}
	if len(body) > models.MaxMessageBodyLength {
		return models.ErrBodyTooLong
	}
	return nil
}
