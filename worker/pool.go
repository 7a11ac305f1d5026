package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/queue"
	"github.com/isdmx/codegrader/store"
)

// Runner grades a claimed grade in place.
type Runner interface {
	Run(ctx context.Context, g *grade.Grade) error
}

// Notifier is told about every grade that reached a terminal status.
type Notifier interface {
	Notify(g *grade.Grade)
}

// Recorder receives worker measurements.
type Recorder interface {
	GradeFinished(g *grade.Grade, elapsed time.Duration)
	Retry()
	Panic()
}

// Config tunes the Pool.
type Config struct {
	Concurrency int
	// MaxAttempts bounds how often an infrastructure fault is tried.
	MaxAttempts  int
	RetryBackoff time.Duration
	Hostname     string
}

// Pool consumes the queue with a fixed number of goroutines. Each job is
// claimed in the store before it runs, so a token is processed at most
// once even when the queue redelivers it.
type Pool struct {
	logger   *zap.Logger
	cfg      Config
	queue    queue.Queue
	grades   store.GradeStore
	runner   Runner
	progress ProgressSink
	notifier Notifier
	recorder Recorder

	locks *xsync.MapOf[string, struct{}]
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	cancel context.CancelFunc
	group  *errgroup.Group
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithNotifier attaches a terminal-status notifier.
func WithNotifier(n Notifier) PoolOption {
	return func(p *Pool) {
		p.notifier = n
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) PoolOption {
	return func(p *Pool) {
		p.recorder = r
	}
}

// WithSleep replaces the retry backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) PoolOption {
	return func(p *Pool) {
		p.sleep = sleep
	}
}

func NewPool(
	logger *zap.Logger,
	cfg Config,
	q queue.Queue,
	grades store.GradeStore,
	runner Runner,
	progress ProgressSink,
	opts ...PoolOption,
) *Pool {
	cfg.Concurrency = max(cfg.Concurrency, 1)
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	p := &Pool{
		logger:   logger,
		cfg:      cfg,
		queue:    q,
		grades:   grades,
		runner:   runner,
		progress: progress,
		locks:    xsync.NewMapOf[string, struct{}](),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start launches the workers. They run until Stop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.group, ctx = errgroup.WithContext(ctx)
	for i := range p.cfg.Concurrency {
		p.group.Go(func() error {
			return p.loop(ctx, i)
		})
	}
	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.String("queue", p.queue.Name()))
}

// Stop cancels the workers and waits for them or for ctx.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		p.logger.Info("worker pool stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("worker pool did not stop: %w", ctx.Err())
	}
}

func (p *Pool) loop(ctx context.Context, id int) error {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			logger.Warn("failed to dequeue", zap.Error(err))
			if p.sleep(ctx, p.cfg.RetryBackoff) != nil {
				return nil
			}
			continue
		}

		if err := p.Process(ctx, msg.Job.Token); err != nil {
			logger.Warn("job returned to queue", zap.String("token", msg.Job.Token), zap.Error(err))
			if nerr := msg.Nack(context.WithoutCancel(ctx)); nerr != nil {
				logger.Error("failed to return job", zap.String("token", msg.Job.Token), zap.Error(nerr))
			}
			continue
		}
		if err := msg.Ack(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to acknowledge job", zap.String("token", msg.Job.Token), zap.Error(err))
		}
	}
}

// Process claims and grades one token. It returns an error only when the
// job should be redelivered, i.e. the claim itself could not be made.
func (p *Pool) Process(ctx context.Context, token string) error {
	if _, held := p.locks.LoadOrStore(token, struct{}{}); held {
		p.logger.Debug("grade already being processed", zap.String("token", token))
		return nil
	}
	defer p.locks.Delete(token)

	started := p.now()
	claimed, err := p.grades.ClaimGrade(ctx, token, p.cfg.Hostname, started)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
		p.logger.Debug("skipping unclaimable grade", zap.String("token", token), zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("failed to claim grade: %w", err)
	}

	logger := p.logger.With(zap.String("token", token))
	logger.Info("grading started", zap.Int("language_id", claimed.LanguageID))

	var final *grade.Grade
	for attempt := 1; ; attempt++ {
		g := claimed.Clone()
		err := p.runSafely(ctx, g)
		if err == nil {
			final = g
			break
		}
		if ctx.Err() != nil {
			// Shutdown: the grade stays Processing and is failed by recovery
			// on the next start.
			logger.Warn("grading interrupted", zap.Error(err))
			return nil
		}
		if IsPermanent(err) || attempt >= p.cfg.MaxAttempts {
			logger.Error("grading failed", zap.Int("attempt", attempt), zap.Error(err))
			final = p.fail(ctx, claimed, err)
			break
		}

		backoff := p.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
		logger.Warn("grading attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if p.recorder != nil {
			p.recorder.Retry()
		}
		if p.sleep(ctx, backoff) != nil {
			return nil
		}
	}

	if final == nil {
		return nil
	}
	logger.Info("grading finished",
		zap.Stringer("status", final.Status),
		zap.Int("passed", final.PassedTestCases),
		zap.Int("total", final.TotalTestCases))
	if p.recorder != nil {
		p.recorder.GradeFinished(final, p.now().Sub(started))
	}
	if p.notifier != nil {
		p.notifier.Notify(final)
	}
	return nil
}

// runSafely turns a panic in the runner into an error.
func (p *Pool) runSafely(ctx context.Context, g *grade.Grade) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic during grading",
				zap.String("token", g.Token),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			if p.recorder != nil {
				p.recorder.Panic()
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.runner.Run(ctx, g)
}

// fail persists InternalError with the fault's message. It returns nil
// when the grade could not be saved.
func (p *Pool) fail(ctx context.Context, claimed *grade.Grade, cause error) *grade.Grade {
	g := claimed.Clone()
	g.ResetOutcome()
	g.Message = cause.Error()
	if err := g.Transition(grade.StatusInternalError, p.now()); err != nil {
		p.logger.Error("cannot fail grade", zap.String("token", g.Token), zap.Error(err))
		return nil
	}
	if err := p.grades.SaveGrade(ctx, g); err != nil {
		p.logger.Error("failed to persist internal error", zap.String("token", g.Token), zap.Error(err))
		return nil
	}
	p.progress.Fail(g)
	return g
}
