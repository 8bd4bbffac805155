package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// TwilioSender abstracts the Twilio message API for testing.
type TwilioSender interface {
	SendWhatsApp(ctx context.Context, to string, body string) error
}

// twilioClient is the production TwilioSender backed by the Twilio REST API.
type twilioClient struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioSender creates a TwilioSender using account credentials. The from
// number is the Twilio WhatsApp sender in E.164 format without the prefix.
func NewTwilioSender(accountSID, authToken, from string) TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &twilioClient{client: client, from: from}
}

func (c *twilioClient) SendWhatsApp(ctx context.Context, to string, body string) error {
	params := &twilioapi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom("whatsapp:+" + c.from)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio send failed: %w", err)
	}
	return nil
}

// TwilioService implements Service using the Twilio WhatsApp API. Twilio's
// sandbox delivers text only; audio is unsupported and templates are
// rendered as plain text.
type TwilioService struct {
	client  TwilioSender
	inbound chan models.InboundMessage
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client TwilioSender) *TwilioService {
	return &TwilioService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start is a no-op for Twilio; inbound messages arrive via the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.inbound)
	}()

	return nil
}

// SendText sends a text message via Twilio.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendText validation error", "error", err, "to", to)
		return err
	}
	if err := validateBody(body); err != nil {
		return err
	}

	if err := s.client.SendWhatsApp(ctx, canonical, body); err != nil {
		slog.Error("TwilioService SendText error", "error", err, "to", canonical)
		return err
	}
	slog.Info("TwilioService message sent", "to", canonical)
	return nil
}

// SendAudio is unsupported on the Twilio backend.
func (s *TwilioService) SendAudio(ctx context.Context, to string, audioPath string) error {
	return ErrAudioNotSupported
}

// SendTemplate renders the template parameters as plain text; Twilio
// sandbox numbers have no template registry.
func (s *TwilioService) SendTemplate(ctx context.Context, to string, templateName string, params map[string]string) error {
	if templateName == "" {
		return models.ErrEmptyTemplateName
	}
	body := params["default_text"]
	if body == "" {
		body = templateName
	}
	return s.SendText(ctx, to, body)
}

// Inbound returns the channel of normalized incoming messages.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// WebhookHandler handles inbound Twilio webhook requests, normalizing form
// posts into InboundMessage records.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.emitInbound(models.InboundMessage{
		From:        from,
		MessageID:   r.FormValue("MessageSid"),
		MessageType: models.MessageTypeText,
		Body:        body,
		Timestamp:   time.Now(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) emitInbound(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return
	}

	select {
	case s.inbound <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService inbound channel blocked, dropping message", "from", msg.From)
	}
}
