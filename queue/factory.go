package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/codegrader/config"
)

// NewFromConfig builds the queue selected by queue.backend.
func NewFromConfig(ctx context.Context, logger *zap.Logger, cfg *config.Config) (Queue, error) {
	qc := cfg.Queue
	switch qc.Backend {
	case "memory":
		return NewMemory(qc.Capacity), nil
	case "sqs":
		client, err := NewSQSClient(ctx, qc.SQS.Region)
		if err != nil {
			return nil, err
		}
		return NewSQSQueue(logger, client, SQSConfig{
			QueueURL:          qc.SQS.QueueURL,
			Region:            qc.SQS.Region,
			WaitTimeSeconds:   qc.SQS.WaitTimeSeconds,
			VisibilityTimeout: qc.SQS.VisibilityTimeout,
		}), nil
	case "rabbitmq":
		return DialRabbitMQ(logger, RabbitMQConfig{
			URL:      qc.RabbitMQ.URL,
			Queue:    qc.RabbitMQ.Queue,
			Prefetch: qc.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", qc.Backend)
	}
}
