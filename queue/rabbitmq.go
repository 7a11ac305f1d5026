package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPChannel is the subset of *amqp.Channel used by RabbitMQQueue.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQConfig configures RabbitMQQueue.
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// RabbitMQQueue is a Queue backed by a durable RabbitMQ queue. Deliveries
// are acknowledged manually once the grade reaches a terminal status.
type RabbitMQQueue struct {
	logger *zap.Logger
	ch     AMQPChannel
	conn   *amqp.Connection
	name   string

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

// DialRabbitMQ connects to the broker and opens a channel.
func DialRabbitMQ(logger *zap.Logger, cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	q, err := NewRabbitMQQueue(logger, ch, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

// NewRabbitMQQueue declares the queue on an open channel.
func NewRabbitMQQueue(logger *zap.Logger, ch AMQPChannel, cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	prefetch := max(cfg.Prefetch, 1)
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	return &RabbitMQQueue{logger: logger, ch: ch, name: cfg.Queue}, nil
}

var _ Queue = (*RabbitMQQueue)(nil)

func (*RabbitMQQueue) Name() string { return "rabbitmq" }

func (q *RabbitMQQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err = q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.Token,
		Timestamp:    job.EnqueuedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

func (q *RabbitMQQueue) Dequeue(ctx context.Context) (*Message, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.ch.Consume(q.name, "", false, false, false, false, nil)
	})
	if q.consumeErr != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", q.name, q.consumeErr)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return nil, ErrClosed
			}
			job, err := decodeJob(d.Body)
			if err != nil {
				q.logger.Error("dropping malformed delivery", zap.String("message_id", d.MessageId), zap.Error(err))
				_ = d.Reject(false)
				continue
			}
			return &Message{
				Job: job,
				ack: func(context.Context) error {
					return d.Ack(false)
				},
				nack: func(context.Context) error {
					return d.Nack(false, true)
				},
			}, nil
		}
	}
}

func (q *RabbitMQQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
