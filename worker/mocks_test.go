package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/sandbox"
)

// FakeBackend implements sandbox.Backend with scripted results keyed by
// stdin. Unscripted runs are accepted and echo the expected output.
type FakeBackend struct {
	mu sync.Mutex

	prepareErr    error
	compileFailed bool
	compileOutput string
	results       map[string]sandbox.Result
	runErrs       map[string]error
	oneShot       sandbox.Result
	oneShotErr    error

	prepared     int
	cleanups     int
	executed     []string
	oneShotCalls []sandbox.Request
}

func (f *FakeBackend) PrepareCompilation(_ context.Context, req sandbox.Request) (*sandbox.CompilationContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	f.prepared++
	return &sandbox.CompilationContext{
		Token:         req.Token,
		Language:      req.Language,
		Constraints:   req.Constraints,
		ContainerID:   "ctr",
		CompileFailed: f.compileFailed,
		CompileOutput: f.compileOutput,
	}, nil
}

func (f *FakeBackend) ExecuteWithCompiledCode(_ context.Context, _ *sandbox.CompilationContext, stdin, expected string) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, stdin)
	if err := f.runErrs[stdin]; err != nil {
		return sandbox.Result{}, err
	}
	if res, ok := f.results[stdin]; ok {
		return res, nil
	}
	return sandbox.Result{
		Status:  grade.StatusAccepted,
		Stdout:  expected,
		Metrics: grade.Metrics{Time: grade.Ptr(0.1), Memory: grade.Ptr(int64(1024))},
	}, nil
}

func (f *FakeBackend) CleanupCompilation(context.Context, *sandbox.CompilationContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *FakeBackend) ExecuteCode(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oneShotCalls = append(f.oneShotCalls, req)
	return f.oneShot, f.oneShotErr
}

type progressEvent struct {
	status grade.Status
	done   int
	total  int
}

// recordingProgress implements ProgressSink
type recordingProgress struct {
	mu     sync.Mutex
	events []progressEvent
	failed []string
}

func (r *recordingProgress) Advance(g *grade.Grade, done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, progressEvent{status: g.Status, done: done, total: total})
}

func (r *recordingProgress) Fail(g *grade.Grade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, g.Token)
}

func (r *recordingProgress) last() progressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return progressEvent{}
	}
	return r.events[len(r.events)-1]
}

// runnerFunc adapts a function to Runner
type runnerFunc func(ctx context.Context, g *grade.Grade) error

func (f runnerFunc) Run(ctx context.Context, g *grade.Grade) error {
	return f(ctx, g)
}

// recordingNotifier implements Notifier
type recordingNotifier struct {
	mu     sync.Mutex
	grades []*grade.Grade
}

func (n *recordingNotifier) Notify(g *grade.Grade) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.grades = append(n.grades, g)
}

// recordingRecorder implements Recorder and CallbackRecorder
type recordingRecorder struct {
	mu        sync.Mutex
	finished  []grade.Status
	retries   int
	panics    int
	callbacks []bool
}

func (r *recordingRecorder) GradeFinished(g *grade.Grade, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, g.Status)
}

func (r *recordingRecorder) Retry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recordingRecorder) Panic() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panics++
}

func (r *recordingRecorder) Callback(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, ok)
}

// recordingSleep records waits without sleeping.
type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return ctx.Err()
}

var errInfra = errors.New("container engine unreachable")
