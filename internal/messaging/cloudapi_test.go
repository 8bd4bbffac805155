package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// capturingServer records every messages-endpoint payload it receives.
type capturingServer struct {
	mu       sync.Mutex
	payloads []map[string]any
	status   int
}

func (c *capturingServer) handler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/messages") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	status := c.status
	c.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.test"}]}`))
}

func (c *capturingServer) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		t.Fatal("no payloads captured")
	}
	return c.payloads[len(c.payloads)-1]
}

func newTestService(t *testing.T, capture *capturingServer) (*CloudAPIService, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	t.Cleanup(server.Close)

	service := NewCloudAPIService("test-key", "12345",
		WithBaseURL(server.URL),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}),
	)
	return service, server
}

func TestSendTextInsideWindow(t *testing.T) {
	capture := &capturingServer{}
	service, _ := newTestService(t, capture)

	// An inbound message opens the window.
	service.EnqueueInbound(models.InboundMessage{From: "918123456789", Body: "hi", MessageType: models.MessageTypeText})

	if err := service.SendText(context.Background(), "918123456789", "Hello!"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}

	payload := capture.last(t)
	if payload["type"] != "text" {
		t.Errorf("expected text payload, got %v", payload["type"])
	}
}

func TestSendTextFallsBackToTemplateOutsideWindow(t *testing.T) {
	capture := &capturingServer{}
	service, _ := newTestService(t, capture)

	longBody := strings.Repeat("x", 200)
	if err := service.SendText(context.Background(), "918123456789", longBody); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}

	payload := capture.last(t)
	if payload["type"] != "template" {
		t.Fatalf("expected template fallback, got %v", payload["type"])
	}
	template := payload["template"].(map[string]any)
	if template["name"] != DefaultFallbackTemplate {
		t.Errorf("expected fallback template name, got %v", template["name"])
	}
	components := template["components"].([]any)
	parameters := components[0].(map[string]any)["parameters"].([]any)
	text := parameters[0].(map[string]any)["text"].(string)
	if len(text) != models.DefaultTextParamLimit {
		t.Errorf("default_text should be truncated to %d chars, got %d", models.DefaultTextParamLimit, len(text))
	}
}

func TestSendTextRateLimited(t *testing.T) {
	capture := &capturingServer{}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	t.Cleanup(server.Close)

	service := NewCloudAPIService("test-key", "12345",
		WithBaseURL(server.URL),
		WithSendPolicy(NewSendPolicy(1, 0)),
	)
	service.EnqueueInbound(models.InboundMessage{From: "918123456789"})

	if err := service.SendText(context.Background(), "918123456789", "first"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if err := service.SendText(context.Background(), "918123456789", "second"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestSendAudioOutsideWindow(t *testing.T) {
	capture := &capturingServer{}
	service, _ := newTestService(t, capture)

	err := service.SendAudio(context.Background(), "918123456789", "/tmp/missing.mp3")
	if !errors.Is(err, ErrWindowExpired) {
		t.Errorf("expected ErrWindowExpired, got %v", err)
	}
}

func TestSendTemplateIgnoresWindow(t *testing.T) {
	capture := &capturingServer{}
	service, _ := newTestService(t, capture)

	err := service.SendTemplate(context.Background(), "918123456789", "loan_offer", map[string]string{"name": "Priya"})
	if err != nil {
		t.Fatalf("SendTemplate returned error: %v", err)
	}
	if !service.policy.WindowOpen("918123456789") {
		t.Error("template send should open a conversation window")
	}
}

func TestSendTextValidation(t *testing.T) {
	service := NewCloudAPIService("test-key", "12345")

	if err := service.SendText(context.Background(), "", "body"); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("empty recipient: got %v", err)
	}
	if err := service.SendText(context.Background(), "918123456789", ""); !errors.Is(err, models.ErrEmptyBody) {
		t.Errorf("empty body: got %v", err)
	}
	long := strings.Repeat("x", models.MaxMessageBodyLength+1)
	if err := service.SendText(context.Background(), "918123456789", long); !errors.Is(err, models.ErrBodyTooLong) {
		t.Errorf("oversized body: got %v", err)
	}
}

func TestSendTextRetriesServerErrors(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	service := NewCloudAPIService("test-key", "12345",
		WithBaseURL(server.URL),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: IsTransportError}),
	)
	service.EnqueueInbound(models.InboundMessage{From: "918123456789"})

	if err := service.SendText(context.Background(), "918123456789", "hello"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestStoppedServiceRejectsSends(t *testing.T) {
	service := NewCloudAPIService("test-key", "12345")
	if err := service.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := service.SendText(context.Background(), "918123456789", "hello"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestEnqueueInboundDeliversMessage(t *testing.T) {
	service := NewCloudAPIService("test-key", "12345")

	msg := models.InboundMessage{From: "918123456789", Body: "hello", MessageType: models.MessageTypeText}
	service.EnqueueInbound(msg)

	select {
	case got := <-service.Inbound():
		if got.From != msg.From || got.Body != msg.Body {
			t.Errorf("inbound message mismatch: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message not delivered")
	}
}

func TestStopDrainsBlockedEnqueues(t *testing.T) {
	service := NewCloudAPIService("test-key", "12345")

	// Fill the buffer so further enqueues block in the send select.
	for i := 0; i < DefaultChannelBufferSize; i++ {
		service.EnqueueInbound(models.InboundMessage{From: "918123456789"})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			service.EnqueueInbound(models.InboundMessage{From: "918123456789", Body: "blocked"})
		}()
	}

	// Let the goroutines reach the full channel before stopping.
	time.Sleep(20 * time.Millisecond)

	if err := service.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	wg.Wait()

	// Stop must not close the channel out from under a blocked sender. The
	// buffered messages stay intact and the channel closes once drained.
	var received int
	for range service.Inbound() {
		received++
	}
	if received != DefaultChannelBufferSize {
		t.Errorf("expected %d buffered messages, got %d", DefaultChannelBufferSize, received)
	}

	if err := service.Stop(); err != nil {
		t.Errorf("second Stop returned error: %v", err)
	}
}

func TestDownloadMedia(t *testing.T) {
	var mediaServer *httptest.Server
	mediaServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "media-id-1") {
			_ = json.NewEncoder(w).Encode(map[string]string{"url": mediaServer.URL + "/content"})
			return
		}
		_, _ = w.Write([]byte("ogg-bytes"))
	}))
	t.Cleanup(mediaServer.Close)

	service := NewCloudAPIService("test-key", "12345", WithBaseURL(mediaServer.URL))
	content, err := service.DownloadMedia(context.Background(), "media-id-1")
	if err != nil {
		t.Fatalf("DownloadMedia returned error: %v", err)
	}
	if string(content) != "ogg-bytes" {
		t.Errorf("unexpected content: %q", content)
	}
}
