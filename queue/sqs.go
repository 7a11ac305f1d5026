package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConfig configures SQSQueue.
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// SQSQueue is a Queue backed by an Amazon SQS standard queue. A message
// stays invisible while its grade is processed and is deleted on Ack.
type SQSQueue struct {
	logger *zap.Logger
	api    SQSAPI
	cfg    SQSConfig

	mu      sync.Mutex
	pending []types.Message
	closed  bool
}

// NewSQSClient builds a client from the default AWS credential chain.
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

func NewSQSQueue(logger *zap.Logger, api SQSAPI, cfg SQSConfig) *SQSQueue {
	return &SQSQueue{logger: logger, api: api, cfg: cfg}
}

var _ Queue = (*SQSQueue)(nil)

func (*SQSQueue) Name() string { return "sqs" }

func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	if q.isClosed() {
		return ErrClosed
	}
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		if q.isClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if msg, ok := q.next(); ok {
			job, err := decodeJob([]byte(aws.ToString(msg.Body)))
			if err != nil {
				// Malformed messages would be redelivered forever.
				q.logger.Error("dropping malformed message", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
				_ = q.delete(ctx, msg.ReceiptHandle)
				continue
			}
			return q.message(job, msg.ReceiptHandle), nil
		}

		out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.cfg.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     q.cfg.WaitTimeSeconds,
			VisibilityTimeout:   q.cfg.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Warn("failed to receive messages", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		q.mu.Lock()
		q.pending = append(q.pending, out.Messages...)
		q.mu.Unlock()
	}
}

func (q *SQSQueue) message(job Job, receipt *string) *Message {
	return &Message{
		Job: job,
		ack: func(ctx context.Context) error {
			return q.delete(ctx, receipt)
		},
		nack: func(ctx context.Context) error {
			_, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(q.cfg.QueueURL),
				ReceiptHandle:     receipt,
				VisibilityTimeout: 0,
			})
			if err != nil {
				return fmt.Errorf("failed to release message: %w", err)
			}
			return nil
		},
	}
}

func (q *SQSQueue) delete(ctx context.Context, receipt *string) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (q *SQSQueue) next() (types.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return types.Message{}, false
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, true
}

func (q *SQSQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *SQSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
