// Package queue decouples inbound message receipt from processing. The AMQP
// backend fans work out to multiple worker processes; the in-memory backend
// keeps everything in one process for tests and single-node deployments.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// DefaultQueueCapacity is the buffer size of the in-memory queue.
const DefaultQueueCapacity = 256

// Error variables for queue operations.
var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue is full")
)

// Queue transports inbound messages between the webhook receiver and the
// processing workers.
type Queue interface {
	// Publish enqueues an inbound message for processing.
	Publish(ctx context.Context, msg models.InboundMessage) error
	// Consume returns a channel of messages to process. The channel closes
	// when the queue is closed.
	Consume(ctx context.Context) (<-chan models.InboundMessage, error)
	// Close releases the queue resources.
	Close() error
}

// InMemoryQueue implements Queue with a buffered channel.
type InMemoryQueue struct {
	messages chan models.InboundMessage
	mu       sync.Mutex
	closed   bool
}

// Compile-time check that InMemoryQueue implements the Queue interface.
var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates an in-memory queue with the default capacity.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{messages: make(chan models.InboundMessage, DefaultQueueCapacity)}
}

// Publish enqueues a message. It fails fast with ErrQueueFull when the
// buffer is exhausted rather than blocking the webhook handler.
func (q *InMemoryQueue) Publish(ctx context.Context, msg models.InboundMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Consume returns the message channel.
func (q *InMemoryQueue) Consume(ctx context.Context) (<-chan models.InboundMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	return q.messages, nil
}

// Close closes the queue; pending messages remain readable until drained.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.messages)
	return nil
}
