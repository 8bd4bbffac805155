package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

func TestInMemoryQueueRoundTrip(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()

	msg := models.InboundMessage{From: "918123456789", Body: "hello", MessageType: models.MessageTypeText}
	if err := q.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	messages, err := q.Consume(context.Background())
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	select {
	case got := <-messages:
		if got.From != msg.From || got.Body != msg.Body {
			t.Errorf("message mismatch: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryQueueFull(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()

	for i := 0; i < DefaultQueueCapacity; i++ {
		if err := q.Publish(context.Background(), models.InboundMessage{From: "x"}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	if err := q.Publish(context.Background(), models.InboundMessage{From: "x"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestInMemoryQueueClosed(t *testing.T) {
	q := NewInMemoryQueue()
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("double Close failed: %v", err)
	}

	if err := q.Publish(context.Background(), models.InboundMessage{}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed on publish, got %v", err)
	}
	if _, err := q.Consume(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed on consume, got %v", err)
	}
}
