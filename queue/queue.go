// Package queue carries grade tokens from the API to the worker pool. The
// in-memory queue serves single-instance deployments; SQS and RabbitMQ
// give a durable queue shared between instances.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFull is returned when a bounded queue cannot take another job.
	ErrFull = errors.New("queue is full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue is closed")
)

// Job is the unit of work: a grade token to process.
type Job struct {
	Token      string    `json:"token"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Message is a received job. Exactly one of Ack or Nack should be called.
type Message struct {
	Job Job

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack removes the job from the queue.
func (m *Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Nack returns the job to the queue for redelivery.
func (m *Message) Nack(ctx context.Context) error {
	if m.nack == nil {
		return nil
	}
	return m.nack(ctx)
}

// Queue is a FIFO of jobs with at-least-once delivery.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job arrives, ctx is done or the queue closes.
	Dequeue(ctx context.Context) (*Message, error)
	Close() error
}

func encodeJob(job Job) ([]byte, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return b, nil
}

func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	if job.Token == "" {
		return Job{}, errors.New("failed to decode job: empty token")
	}
	return job, nil
}
