package sandbox

import (
	"context"

	"go.uber.org/zap"
)

// LocalRuntime runs scripts directly on the host (for development only).
// Limits come from ulimit alone: there is no network, filesystem or user
// isolation.
type LocalRuntime struct {
	logger    *zap.Logger
	cmdRunner CommandRunner
}

// LocalRuntimeOption defines a functional option for LocalRuntime
type LocalRuntimeOption func(*LocalRuntime)

// WithLocalCommandRunner sets the CommandRunner for LocalRuntime
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalRuntimeOption {
	return func(l *LocalRuntime) {
		l.cmdRunner = cmdRunner
	}
}

// NewLocalRuntime creates a new LocalRuntime with default implementations and optional interfaces
func NewLocalRuntime(logger *zap.Logger, opts ...LocalRuntimeOption) *LocalRuntime {
	l := &LocalRuntime{
		logger:    logger,
		cmdRunner: &RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(l)
	}
	logger.Warn("local runtime enabled: untrusted code runs on the host without isolation")
	return l
}

func (*LocalRuntime) Name() string { return "local" }

func (*LocalRuntime) Contained() bool { return false }

// Start has nothing to provision; the box directory itself is the id.
func (l *LocalRuntime) Start(_ context.Context, spec ContainerSpec) (string, error) {
	l.logger.Debug("using host box", zap.String("box", spec.BoxDir))
	return spec.BoxDir, nil
}

// Exec runs sh script args... with host paths; id is unused.
func (l *LocalRuntime) Exec(ctx context.Context, _, script string, args ...string) (int, error) {
	_, _, exitCode, err := l.cmdRunner.RunCommand(ctx, append([]string{"sh", script}, args...))
	if err != nil {
		return -1, err
	}
	return exitCode, nil
}

// Remove is a no-op; the Engine deletes the box directory.
func (*LocalRuntime) Remove(context.Context, string) error {
	return nil
}
