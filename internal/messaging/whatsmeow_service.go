package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp
// client. This backend talks directly to WhatsApp as a paired device, so
// templates are rendered as plain text and the Cloud API window rules do
// not apply.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // access to underlying client for event handling
	inbound  chan models.InboundMessage
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}

	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.inbound)
	return nil
}

// SendText sends a text message.
func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := validateBody(body); err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", canonical)
		return err
	}
	slog.Info("WhatsAppService message sent", "to", canonical)
	return nil
}

// SendAudio sends a voice message from a local audio file.
func (s *WhatsAppService) SendAudio(ctx context.Context, to string, audioPath string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendAudio(ctx, canonical, audioPath); err != nil {
		slog.Error("WhatsAppService SendAudio error", "error", err, "to", canonical)
		return err
	}
	slog.Info("WhatsAppService audio sent", "to", canonical)
	return nil
}

// SendTemplate renders the template parameters as plain text. The paired
// device connection has no template concept, so the default_text parameter
// carries the message body.
func (s *WhatsAppService) SendTemplate(ctx context.Context, to string, templateName string, params map[string]string) error {
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
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// handleEvents processes WhatsApp events and feeds them into the inbound
// channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage normalizes incoming messages into InboundMessage
// records. Text and voice messages are forwarded; everything else is
// ignored.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	from := strings.TrimSuffix(evt.Info.Sender.User, "")

	inbound := models.InboundMessage{
		From:      from,
		MessageID: evt.Info.ID,
		Timestamp: evt.Info.Timestamp,
	}

	switch {
	case evt.Message.Conversation != nil:
		inbound.MessageType = models.MessageTypeText
		inbound.Body = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		inbound.MessageType = models.MessageTypeText
		inbound.Body = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.AudioMessage != nil:
		inbound.MessageType = models.MessageTypeAudio
		inbound.MediaID = evt.Info.ID
	default:
		slog.Debug("WhatsAppService ignoring unsupported message type", "from", from)
		return
	}

	select {
	case s.inbound <- inbound:
		slog.Info("WhatsAppService incoming message forwarded", "from", inbound.From, "type", inbound.MessageType)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", inbound.From)
	}
}
