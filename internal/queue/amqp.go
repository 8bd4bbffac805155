package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// DefaultQueueName is the AMQP queue inbound messages travel through.
const DefaultQueueName = "inbound_messages"

// AMQPQueue implements Queue on top of RabbitMQ. Messages are JSON-encoded
// and acknowledged after delivery to the consumer channel; malformed
// payloads are acked and dropped so they cannot wedge the queue.
type AMQPQueue struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
	mu        sync.Mutex
	closed    bool
}

// Compile-time check that AMQPQueue implements the Queue interface.
var _ Queue = (*AMQPQueue)(nil)

// AMQPOption configures an AMQPQueue.
type AMQPOption func(*AMQPQueue)

// WithQueueName overrides the declared queue name.
func WithQueueName(name string) AMQPOption {
	return func(q *AMQPQueue) {
		q.queueName = name
	}
}

// NewAMQPQueue connects to RabbitMQ and declares a durable queue.
func NewAMQPQueue(url string, opts ...AMQPOption) (*AMQPQueue, error) {
	q := &AMQPQueue{queueName: DefaultQueueName}
	for _, opt := range opts {
		opt(q)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	_, err = channel.QueueDeclare(
		q.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", q.queueName, err)
	}

	q.conn = conn
	q.channel = channel
	slog.Info("AMQPQueue connected", "queue", q.queueName)
	return q, nil
}

// Publish enqueues a JSON-encoded inbound message.
func (q *AMQPQueue) Publish(ctx context.Context, msg models.InboundMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode inbound message: %w", err)
	}

	err = q.channel.Publish(
		"",          // exchange
		q.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", q.queueName, err)
	}
	slog.Debug("AMQPQueue published message", "queue", q.queueName, "from", msg.From)
	return nil
}

// Consume starts a consumer and returns a channel of decoded messages. The
// goroutine stops when the context is cancelled or the AMQP delivery
// channel closes.
func (q *AMQPQueue) Consume(ctx context.Context) (<-chan models.InboundMessage, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.mu.Unlock()

	deliveries, err := q.channel.Consume(
		q.queueName,
		"",    // consumer tag
		false, // auto-ack off, ack after handoff
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer on %s: %w", q.queueName, err)
	}

	out := make(chan models.InboundMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				var msg models.InboundMessage
				if err := json.Unmarshal(delivery.Body, &msg); err != nil {
					slog.Warn("AMQPQueue dropping malformed message", "error", err)
					_ = delivery.Ack(false)
					continue
				}
				select {
				case out <- msg:
					_ = delivery.Ack(false)
				case <-ctx.Done():
					_ = delivery.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts down the channel and connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	if err := q.channel.Close(); err != nil {
		q.conn.Close()
		return fmt.Errorf("failed to close AMQP channel: %w", err)
	}
	return q.conn.Close()
}
