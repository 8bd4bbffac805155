package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// webhookPayload mirrors the WhatsApp Cloud API webhook notification shape.
// Only the fields the agent consumes are declared.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Messages         []webhookMessage `json:"messages"`
	Statuses         []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"statuses"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"` // unix seconds as a string
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
		Voice    bool   `json:"voice"`
	} `json:"audio"`
}

// ParseWebhookPayload extracts inbound messages from a Cloud API webhook
// notification body. Status updates and unsupported message types are
// skipped, not errors; a malformed body is an error.
func ParseWebhookPayload(data []byte) ([]models.InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	var messages []models.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				inbound, ok := normalizeWebhookMessage(msg)
				if !ok {
					continue
				}
				messages = append(messages, inbound)
			}
		}
	}
	return messages, nil
}

func normalizeWebhookMessage(msg webhookMessage) (models.InboundMessage, bool) {
	inbound := models.InboundMessage{
		From:      msg.From,
		MessageID: msg.ID,
		Timestamp: parseWebhookTimestamp(msg.Timestamp),
	}

	switch msg.Type {
	case "text":
		if msg.Text.Body == "" {
			return models.InboundMessage{}, false
		}
		inbound.MessageType = models.MessageTypeText
		inbound.Body = msg.Text.Body
	case "audio":
		if msg.Audio.ID == "" {
			return models.InboundMessage{}, false
		}
		inbound.MessageType = models.MessageTypeAudio
		inbound.MediaID = msg.Audio.ID
	default:
		return models.InboundMessage{}, false
	}
	return inbound, true
}

func parseWebhookTimestamp(raw string) time.Time {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return time.Now()
	}
	return time.Unix(seconds, 0)
}
