package queue

import (
	"context"
	"sync"
)

// Memory is a bounded in-process queue. Jobs are lost on restart; the
// worker recovers them from the store's InQueue grades at startup.
type Memory struct {
	jobs      chan Job
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a queue holding at most capacity jobs.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		jobs:   make(chan Job, capacity),
		closed: make(chan struct{}),
	}
}

var _ Queue = (*Memory)(nil)

func (*Memory) Name() string { return "memory" }

// Len returns the number of buffered jobs.
func (m *Memory) Len() int {
	return len(m.jobs)
}

func (m *Memory) Enqueue(_ context.Context, job Job) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.jobs <- job:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrClosed
	case job := <-m.jobs:
		return &Message{
			Job: job,
			nack: func(ctx context.Context) error {
				return m.Enqueue(ctx, job)
			},
		}, nil
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
