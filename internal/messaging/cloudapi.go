package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// Cloud API defaults.
const (
	DefaultGraphAPIBaseURL  = "https://graph.facebook.com"
	DefaultGraphAPIVersion  = "v18.0"
	DefaultFallbackTemplate = "loan_follow_up"
	defaultHTTPTimeout      = 30 * time.Second
)

// CloudAPIService implements Service using the WhatsApp Business Cloud API.
// It enforces the daily rate limit and the 24-hour conversation window:
// text sent outside the window is automatically downgraded to the fallback
// template, and audio outside the window is rejected.
type CloudAPIService struct {
	httpClient       *http.Client
	apiKey           string
	phoneNumberID    string
	version          string
	baseURL          string
	policy           *SendPolicy
	retry            RetryPolicy
	fallbackTemplate string
	inbound          chan models.InboundMessage
	done             chan struct{}
	senders          sync.WaitGroup
	mu               sync.RWMutex
	stopped          bool
}

// CloudAPIOption configures a CloudAPIService.
type CloudAPIOption func(*CloudAPIService)

// WithAPIVersion overrides the Graph API version.
func WithAPIVersion(version string) CloudAPIOption {
	return func(s *CloudAPIService) { s.version = version }
}

// WithBaseURL overrides the Graph API base URL. Used by tests.
func WithBaseURL(url string) CloudAPIOption {
	return func(s *CloudAPIService) { s.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) CloudAPIOption {
	return func(s *CloudAPIService) { s.httpClient = client }
}

// WithSendPolicy overrides the rate limit and conversation window policy.
func WithSendPolicy(policy *SendPolicy) CloudAPIOption {
	return func(s *CloudAPIService) { s.policy = policy }
}

// WithRetryPolicy overrides the transport retry policy.
func WithRetryPolicy(retry RetryPolicy) CloudAPIOption {
	return func(s *CloudAPIService) { s.retry = retry }
}

// WithFallbackTemplate sets the template used when a text message hits a
// closed conversation window.
func WithFallbackTemplate(name string) CloudAPIOption {
	return func(s *CloudAPIService) { s.fallbackTemplate = name }
}

// NewCloudAPIService creates a Cloud API backed messaging service.
func NewCloudAPIService(apiKey, phoneNumberID string, opts ...CloudAPIOption) *CloudAPIService {
	service := &CloudAPIService{
		httpClient:       &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:           apiKey,
		phoneNumberID:    phoneNumberID,
		version:          DefaultGraphAPIVersion,
		baseURL:          DefaultGraphAPIBaseURL,
		policy:           NewSendPolicy(0, 0),
		retry:            DefaultRetryPolicy(),
		fallbackTemplate: DefaultFallbackTemplate,
		inbound:          make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(service)
	}
	slog.Debug("CloudAPIService created", "phone_number_id", phoneNumberID, "version", service.version)
	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start is a no-op; inbound messages arrive via the webhook and EnqueueInbound.
func (s *CloudAPIService) Start(ctx context.Context) error {
	slog.Debug("CloudAPIService Start invoked")
	return nil
}

// Stop drains in-flight enqueues, then closes the inbound channel. After the
// stopped flag is set no new sender can register, so the wait is bounded by
// the senders already past the flag check.
func (s *CloudAPIService) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	s.senders.Wait()
	close(s.inbound)

	slog.Info("CloudAPIService stopped")
	return nil
}

// Inbound returns the channel of normalized incoming messages.
func (s *CloudAPIService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// EnqueueInbound feeds a webhook-delivered message into the inbound channel
// and opens the sender's conversation window. Delivery is non-blocking; a
// full channel drops the message with a warning.
func (s *CloudAPIService) EnqueueInbound(msg models.InboundMessage) {
	// Registering on the wait group under the same lock that guards the
	// stopped flag keeps Stop from closing the channel underneath us.
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		slog.Warn("CloudAPIService dropping inbound message (service stopped)", "from", msg.From)
		return
	}
	s.senders.Add(1)
	s.mu.RUnlock()
	defer s.senders.Done()

	s.policy.RecordInbound(msg.From)

	select {
	case s.inbound <- msg:
		slog.Debug("CloudAPIService enqueued inbound message", "from", msg.From, "type", msg.MessageType)
	case <-s.done:
		slog.Warn("CloudAPIService dropping inbound message (service stopping)", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("CloudAPIService inbound channel blocked, dropping message", "from", msg.From)
	}
}

// SendText sends a free-form text message. Outside the conversation window
// the text is downgraded to the fallback template with the text carried in
// the default_text parameter.
func (s *CloudAPIService) SendText(ctx context.Context, to string, body string) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := validateBody(body); err != nil {
		return err
	}
	if !s.policy.AllowSend(canonical) {
		slog.Warn("CloudAPIService rate limit exceeded", "to", canonical)
		return ErrRateLimited
	}
	if !s.policy.WindowOpen(canonical) {
		slog.Info("CloudAPIService conversation window expired, using template instead", "to", canonical)
		defaultText := body
		if len(defaultText) > models.DefaultTextParamLimit {
			defaultText = defaultText[:models.DefaultTextParamLimit]
		}
		return s.SendTemplate(ctx, canonical, s.fallbackTemplate, map[string]string{"default_text": defaultText})
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                canonical,
		"type":              "text",
		"text": map[string]any{
			"preview_url": false,
			"body":        body,
		},
	}
	if err := s.postMessage(ctx, payload); err != nil {
		slog.Error("CloudAPIService failed to send text message", "error", err, "to", canonical)
		return err
	}

	s.policy.RecordSend(canonical)
	slog.Info("CloudAPIService sent text message", "to", canonical, "body_length", len(body))
	return nil
}

// SendAudio uploads a local audio file and sends it as a voice message.
// Audio cannot fall back to a template, so a closed window is an error.
func (s *CloudAPIService) SendAudio(ctx context.Context, to string, audioPath string) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if !s.policy.AllowSend(canonical) {
		slog.Warn("CloudAPIService rate limit exceeded", "to", canonical)
		return ErrRateLimited
	}
	if !s.policy.WindowOpen(canonical) {
		slog.Warn("CloudAPIService conversation window expired, cannot send audio", "to", canonical)
		return ErrWindowExpired
	}

	mediaID, err := s.uploadMedia(ctx, audioPath, "audio/mpeg")
	if err != nil {
		slog.Error("CloudAPIService failed to upload audio", "error", err, "to", canonical)
		return fmt.Errorf("failed to upload audio: %w", err)
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                canonical,
		"type":              "audio",
		"audio":             map[string]any{"id": mediaID},
	}
	if err := s.postMessage(ctx, payload); err != nil {
		slog.Error("CloudAPIService failed to send audio message", "error", err, "to", canonical)
		return err
	}

	s.policy.RecordSend(canonical)
	slog.Info("CloudAPIService sent audio message", "to", canonical, "media_id", mediaID)
	return nil
}

// SendTemplate sends a pre-approved template. Templates work outside the
// conversation window and open a new one.
func (s *CloudAPIService) SendTemplate(ctx context.Context, to string, templateName string, params map[string]string) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if templateName == "" {
		return models.ErrEmptyTemplateName
	}
	if !s.policy.AllowSend(canonical) {
		slog.Warn("CloudAPIService rate limit exceeded", "to", canonical)
		return ErrRateLimited
	}

	var components []map[string]any
	if len(params) > 0 {
		parameters := make([]map[string]any, 0, len(params))
		for _, value := range params {
			parameters = append(parameters, map[string]any{"type": "text", "text": value})
		}
		components = append(components, map[string]any{"type": "body", "parameters": parameters})
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                canonical,
		"type":              "template",
		"template": map[string]any{
			"name":       templateName,
			"language":   map[string]any{"code": "en"},
			"components": components,
		},
	}
	if err := s.postMessage(ctx, payload); err != nil {
		slog.Error("CloudAPIService failed to send template message", "error", err, "to", canonical, "template", templateName)
		return err
	}

	s.policy.RecordSend(canonical)
	slog.Info("CloudAPIService sent template message", "to", canonical, "template", templateName)
	return nil
}

// MarkMessageRead marks an inbound message as read so the customer sees the
// blue ticks. Failures are logged but not fatal to message processing.
func (s *CloudAPIService) MarkMessageRead(ctx context.Context, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if err := s.postMessage(ctx, payload); err != nil {
		slog.Error("CloudAPIService failed to mark message read", "error", err, "message_id", messageID)
		return err
	}
	slog.Debug("CloudAPIService marked message read", "message_id", messageID)
	return nil
}

// DownloadMedia fetches the content of an inbound media attachment by ID.
// The Graph API requires two hops: one request for the media URL, one for
// the bytes.
func (s *CloudAPIService) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	infoURL := fmt.Sprintf("%s/%s/%s", s.baseURL, s.version, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media info request failed with status %d", resp.StatusCode)
	}

	var info struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode media info: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("no URL in media info for ID %s", mediaID)
	}

	mediaReq, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, err
	}
	mediaReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	mediaResp, err := s.httpClient.Do(mediaReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer mediaResp.Body.Close()
	if mediaResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download failed with status %d", mediaResp.StatusCode)
	}

	content, err := io.ReadAll(mediaResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read media content: %w", err)
	}
	slog.Debug("CloudAPIService downloaded media", "media_id", mediaID, "bytes", len(content))
	return content, nil
}

// uploadMedia uploads a local file to WhatsApp servers and returns its
// media ID.
func (s *CloudAPIService) uploadMedia(ctx context.Context, filePath, mimeType string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open media file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := writer.WriteField("type", mimeType); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/%s/media", s.baseURL, s.version, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("media upload failed with status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("media upload returned no ID")
	}
	return result.ID, nil
}

// postMessage posts a payload to the messages endpoint with transport retry.
// Network failures and 5xx responses are retried; 4xx rejections are
// permanent.
func (s *CloudAPIService) postMessage(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	url := fmt.Sprintf("%s/%s/%s/messages", s.baseURL, s.version, s.phoneNumberID)

	return s.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return &TransportError{Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return &TransportError{Err: fmt.Errorf("server returned status %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			details, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("request rejected with status %d: %s", resp.StatusCode, details)
		}
		return nil
	})
}

func (s *CloudAPIService) checkStopped() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	return nil
}
