package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/codegrader/grade"
)

// EngineConfig holds the host-level knobs of the execution engine.
type EngineConfig struct {
	// WorkDir is the parent of per-grade box directories; empty means the
	// system temp dir.
	WorkDir        string
	MaxContainers  int64
	CPUs           float64
	CompileTimeout time.Duration
	// ExecGrace is added to the wall time limit before a run is abandoned.
	ExecGrace      time.Duration
	MaxOutputBytes int
	MaxExtractKB   int
	// CompileMemoryKB and CompileProcesses bound the build container, which
	// never shares a cgroup with the runs.
	CompileMemoryKB  int
	CompileProcesses int
	Seccomp          []byte
	// SeccompKills reports that the profile's default action kills the
	// offending process.
	SeccompKills bool
}

// Engine implements Backend on top of any Runtime.
type Engine struct {
	logger  *zap.Logger
	runtime Runtime
	fs      FileSystem
	cfg     EngineConfig
	slots   *semaphore.Weighted
	active  atomic.Int64
	now     func() time.Time
}

// EngineOption defines a functional option for Engine
type EngineOption func(*Engine)

// WithFileSystem sets the FileSystem for Engine
func WithFileSystem(fs FileSystem) EngineOption {
	return func(e *Engine) {
		e.fs = fs
	}
}

// WithClock overrides the time source used for measurements.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine driving the given runtime.
func NewEngine(logger *zap.Logger, runtime Runtime, cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.MaxContainers <= 0 {
		cfg.MaxContainers = 1
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = 30 * time.Second
	}
	if cfg.ExecGrace <= 0 {
		cfg.ExecGrace = 5 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 10 * 1024 * 1024
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.CompileMemoryKB <= 0 {
		cfg.CompileMemoryKB = 1024 * 1024
	}
	if cfg.CompileProcesses <= 0 {
		cfg.CompileProcesses = 128
	}

	e := &Engine{
		logger:  logger.With(zap.String("runtime", runtime.Name())),
		runtime: runtime,
		fs:      &RealFileSystem{},
		cfg:     cfg,
		slots:   semaphore.NewWeighted(cfg.MaxContainers),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Backend = (*Engine)(nil)

// Active returns the number of live compilation contexts.
func (e *Engine) Active() int64 {
	return e.active.Load()
}

// Capacity returns the configured container ceiling.
func (e *Engine) Capacity() int64 {
	return e.cfg.MaxContainers
}

// Sweep removes environments left behind by an earlier process, when the
// runtime supports it.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	s, ok := e.runtime.(Sweeper)
	if !ok {
		return 0, nil
	}
	return s.Sweep(ctx)
}

func (e *Engine) scriptOptions() scriptOptions {
	return scriptOptions{
		CompileTimeoutSec: int(e.cfg.CompileTimeout / time.Second),
		LimitAddressSpace: !e.runtime.Contained(),
		Contained:         e.runtime.Contained(),
	}
}

// mounts returns the box, script and io directories as the runtime sees
// them.
func (e *Engine) mounts(cc *CompilationContext) (box, scripts, ioDir string) {
	if e.runtime.Contained() {
		return BoxMount, ScriptMount, IOMount
	}
	return cc.BoxDir, cc.ScriptDir, cc.IODir
}

func (e *Engine) spec(cc *CompilationContext, name string) ContainerSpec {
	return ContainerSpec{
		Name:        name,
		Image:       cc.Language.Image,
		RootDir:     cc.RootDir,
		BoxDir:      cc.BoxDir,
		ScriptDir:   cc.ScriptDir,
		IODir:       cc.IODir,
		Constraints: cc.Constraints,
		CPUs:        e.cfg.CPUs,
		Seccomp:     e.cfg.Seccomp,
	}
}

// PrepareCompilation lays out the grade's directories, builds the
// submission once in a short-lived container and starts the container the
// runs share. A failed build is reported through cc.CompileFailed; errors
// are reserved for infrastructure faults.
//
//nolint:funlen // linear provisioning sequence
func (e *Engine) PrepareCompilation(ctx context.Context, req Request) (*CompilationContext, error) {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire container slot: %w", err)
	}
	e.active.Add(1)

	cc := &CompilationContext{
		Token:       req.Token,
		Language:    req.Language,
		Constraints: req.Constraints,
		release: func() {
			e.active.Add(-1)
			e.slots.Release(1)
		},
	}

	fail := func(err error) (*CompilationContext, error) {
		if cleanupErr := e.CleanupCompilation(context.WithoutCancel(ctx), cc); cleanupErr != nil {
			e.logger.Warn("cleanup after failed preparation", zap.String("token", req.Token), zap.Error(cleanupErr))
		}
		return nil, err
	}

	rootDir, err := e.fs.MkdirTemp(e.cfg.WorkDir, "codegrader-*")
	if err != nil {
		return fail(fmt.Errorf("failed to create temp dir: %w", err))
	}
	cc.RootDir = rootDir
	// Bind mounts and the local runtime need absolute paths.
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return fail(fmt.Errorf("failed to resolve temp dir: %w", err))
	}
	cc.RootDir = absRoot
	cc.BoxDir = filepath.Join(cc.RootDir, boxDirName)
	cc.ScriptDir = filepath.Join(cc.RootDir, scriptDirName)
	cc.IODir = filepath.Join(cc.RootDir, ioDirName)

	for dir, perm := range map[string]os.FileMode{
		cc.BoxDir:    BoxPermission,
		cc.ScriptDir: DirPermission,
		cc.IODir:     DirPermission,
	} {
		if err := e.fs.MkdirAll(dir, perm); err != nil {
			return fail(fmt.Errorf("failed to create %s: %w", filepath.Base(dir), err))
		}
		// MkdirAll is subject to umask.
		if err := e.fs.Chmod(dir, perm); err != nil {
			return fail(fmt.Errorf("failed to chmod %s: %w", filepath.Base(dir), err))
		}
	}

	if len(req.Constraints.AdditionalFiles) > 0 {
		limit := int64(e.cfg.MaxExtractKB) * 1024
		if err := ExtractTarToDir(e.fs, req.Constraints.AdditionalFiles, cc.BoxDir, limit); err != nil {
			return fail(fmt.Errorf("failed to extract additional files: %w", err))
		}
	}
	// Nothing has run in the box yet; the source replaces a same-named
	// additional file.
	if err := e.fs.WriteFile(filepath.Join(cc.BoxDir, req.Language.SourceFile), []byte(req.SourceCode), BoxFilePermission); err != nil {
		return fail(fmt.Errorf("failed to write %s: %w", req.Language.SourceFile, err))
	}

	opts := e.scriptOptions()
	scripts := map[string]string{}
	scripts[commandScript], scripts[runScript] = runScripts(req.Language, req.Constraints, opts)
	if req.Language.SupportsCompilation() {
		scripts[buildScript], scripts[compileScript] = compileScripts(req.Language, req.Constraints, opts)
	}
	for name, content := range scripts {
		if err := e.fs.WriteFileIn(cc.ScriptDir, name, []byte(content), BoxFilePermission); err != nil {
			return fail(fmt.Errorf("failed to write %s: %w", name, err))
		}
	}

	if req.Language.SupportsCompilation() {
		if err := e.compile(ctx, cc); err != nil {
			return fail(err)
		}
		if cc.CompileFailed {
			return cc, nil
		}
	}

	// Runs see the build output but can no longer change it.
	if err := e.fs.Chmod(cc.BoxDir, DirPermission); err != nil {
		return fail(fmt.Errorf("failed to seal box: %w", err))
	}

	spec := e.spec(cc, containerName(req.Token, e.now()))
	spec.BoxReadOnly = true
	spec.MemoryKB = req.Constraints.MemoryLimit
	spec.Processes = req.Constraints.MaxProcessesAndOrThreads
	id, err := e.runtime.Start(ctx, spec)
	if err != nil {
		return fail(fmt.Errorf("failed to start container: %w", err))
	}
	cc.ContainerID = id

	return cc, nil
}

// compile runs the build in its own container so the compiler's memory
// and processes count against neither the runs' limits nor their
// measurements.
func (e *Engine) compile(ctx context.Context, cc *CompilationContext) error {
	outDir := filepath.Join(cc.IODir, "compile")
	if err := e.fs.MkdirAll(outDir, BoxPermission); err != nil {
		return fmt.Errorf("failed to create compile output dir: %w", err)
	}
	if err := e.fs.Chmod(outDir, BoxPermission); err != nil {
		return fmt.Errorf("failed to chmod compile output dir: %w", err)
	}
	defer func() {
		if err := e.fs.RemoveAll(outDir); err != nil {
			e.logger.Warn("failed to remove compile output dir", zap.String("token", cc.Token), zap.Error(err))
		}
	}()

	spec := e.spec(cc, containerName(cc.Token+"-build", e.now()))
	spec.MemoryKB = e.cfg.CompileMemoryKB
	spec.Processes = e.cfg.CompileProcesses
	id, err := e.runtime.Start(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to start build container: %w", err)
	}
	defer func() {
		if err := e.runtime.Remove(context.WithoutCancel(ctx), id); err != nil {
			e.logger.Warn("failed to remove build container", zap.String("token", cc.Token), zap.Error(err))
		}
	}()

	compileCtx, cancel := context.WithTimeout(ctx, e.cfg.CompileTimeout+e.cfg.ExecGrace)
	defer cancel()

	box, scripts, ioDir := e.mounts(cc)
	start := e.now()
	exitCode, err := e.runtime.Exec(compileCtx, id, filepath.Join(scripts, compileScript), box, filepath.Join(ioDir, "compile"))
	cc.CompileDuration = e.now().Sub(start)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			cc.CompileFailed = true
			cc.CompileOutput = "Compilation time limit exceeded"
			return nil
		}
		return fmt.Errorf("failed to run compiler: %w", err)
	}

	output, _, _ := e.readOutput(outDir, compileOutputFile)
	cc.CompileOutput = output
	if exitCode != 0 {
		cc.CompileFailed = true
		if exitCode == exitTimeout {
			cc.CompileOutput = strings.TrimRight(output, "\n") + "\nCompilation time limit exceeded"
		}
	}

	e.logger.Debug("compilation finished",
		zap.String("token", cc.Token),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", cc.CompileDuration))
	return nil
}

// ExecuteWithCompiledCode runs the compiled submission once against stdin
// and judges its output. Every run gets a fresh io directory that is
// removed afterwards.
//
//nolint:funlen // measurement collection
func (e *Engine) ExecuteWithCompiledCode(ctx context.Context, cc *CompilationContext, stdin, expectedOutput string) (Result, error) {
	if cc == nil {
		return Result{}, errors.New("compilation context is not prepared")
	}
	if cc.CompileFailed {
		return Result{Status: grade.StatusCompilationError, CompileOutput: cc.CompileOutput}, nil
	}
	if cc.ContainerID == "" {
		return Result{}, errors.New("compilation context is not prepared")
	}

	runDir, err := e.fs.MkdirTemp(cc.IODir, "run-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create run dir: %w", err)
	}
	defer func() {
		if err := e.fs.RemoveAll(runDir); err != nil {
			e.logger.Warn("failed to remove run dir", zap.String("token", cc.Token), zap.Error(err))
		}
	}()
	if err := e.fs.WriteFileIn(runDir, stdinFile, []byte(stdin), BoxFilePermission); err != nil {
		return Result{}, fmt.Errorf("failed to write stdin: %w", err)
	}
	if err := e.fs.Chmod(runDir, BoxPermission); err != nil {
		return Result{}, fmt.Errorf("failed to chmod run dir: %w", err)
	}

	wall := time.Duration(cc.Constraints.WallTimeLimit * float64(time.Second))
	runCtx, cancel := context.WithTimeout(ctx, wall+e.cfg.ExecGrace)
	defer cancel()

	box, scripts, ioDir := e.mounts(cc)
	start := e.now()
	exitCode, err := e.runtime.Exec(runCtx, cc.ContainerID,
		filepath.Join(scripts, runScript), box, filepath.Join(ioDir, filepath.Base(runDir)))
	elapsed := e.now().Sub(start)

	outcome := runOutcome{
		ExitCode: exitCode,
		WallTime: elapsed.Seconds(),
		Filtered: e.cfg.SeccompKills && len(e.cfg.Seccomp) > 0,
	}
	if err != nil {
		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("failed to execute run: %w", err)
		}
		outcome.Killed = true
	}

	stdout, stdoutSize, stdoutErr := e.readOutput(runDir, stdoutFile)
	stderr, stderrSize, stderrErr := e.readOutput(runDir, stderrFile)
	outcome.Stdout = stdout
	outcome.Truncated = stdoutSize > int64(e.cfg.MaxOutputBytes)
	outcome.OutputBytes = max(stdoutSize, stderrSize)
	outcome.Tampered = errors.Is(stdoutErr, ErrNotRegular) || errors.Is(stderrErr, ErrNotRegular)

	metrics := grade.Metrics{WallTime: grade.Ptr(elapsed.Seconds())}
	if times, ok := e.readSmall(runDir, timesFile); ok {
		if cpu, ok := parseTimes(times); ok {
			outcome.CPUTime = cpu
		}
	}
	if outcome.CPUTime == 0 {
		outcome.CPUTime = max(outcome.WallTime-0.05, 0)
	}
	metrics.Time = grade.Ptr(outcome.CPUTime)
	if mem, ok := e.readSmall(runDir, memoryFile); ok {
		if kb, ok := parseMemoryWindow(mem); ok {
			metrics.Memory = grade.Ptr(kb)
		}
	}
	outcome.OOMKilled = e.oomKilled(runDir, outcome, metrics.Memory, cc.Constraints)

	status, signal, message := classify(outcome, cc.Constraints, expectedOutput)
	if !outcome.Killed {
		metrics.ExitCode = grade.Ptr(exitCode)
	}
	metrics.ExitSignal = signal
	if outcome.Tampered {
		e.logger.Warn("run replaced its output file", zap.String("token", cc.Token))
		stdout, stderr = "", ""
	}

	return Result{
		Status:        status,
		Metrics:       metrics,
		Stdout:        stdout,
		Stderr:        stderr,
		CompileOutput: cc.CompileOutput,
		Message:       message,
	}, nil
}

// oomKilled prefers the cgroup's oom_kill counter. Without it a SIGKILL
// only counts when the run's peak came within a tenth of the limit.
func (e *Engine) oomKilled(runDir string, o runOutcome, peakKB *int64, c grade.Constraints) bool {
	if raw, ok := e.readSmall(runDir, oomFile); ok {
		if killed, known := parseOOMWindow(raw); known {
			return killed
		}
	}
	if o.ExitCode != exitSignalBase+int(syscall.SIGKILL) || peakKB == nil {
		return false
	}
	return *peakKB*10 >= int64(c.MemoryLimit)*9
}

// CleanupCompilation tears the environment down. It is safe to call more
// than once; only the first call does any work.
func (e *Engine) CleanupCompilation(ctx context.Context, cc *CompilationContext) error {
	if cc == nil {
		return nil
	}
	var errs []error
	cc.cleanupOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		if cc.ContainerID != "" {
			if err := e.runtime.Remove(ctx, cc.ContainerID); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove container: %w", err))
			}
		}
		if cc.RootDir != "" {
			if err := e.fs.RemoveAll(cc.RootDir); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove temp dir: %w", err))
			}
		}
		if cc.release != nil {
			cc.release()
		}
	})
	return errors.Join(errs...)
}

// ExecuteCode prepares, runs number_of_runs times and tears down. Metrics
// keep the worst run; the first non-accepted run decides the verdict.
func (e *Engine) ExecuteCode(ctx context.Context, req Request) (res Result, err error) {
	cc, err := e.PrepareCompilation(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cleanupErr := e.CleanupCompilation(ctx, cc); cleanupErr != nil {
			e.logger.Warn("failed to clean up", zap.String("token", req.Token), zap.Error(cleanupErr))
		}
	}()

	if cc.CompileFailed {
		return Result{
			Status:        grade.StatusCompilationError,
			CompileOutput: cc.CompileOutput,
			Message:       "Compilation failed",
		}, nil
	}

	var metrics grade.Metrics
	for i := 0; i < max(req.Constraints.NumberOfRuns, 1); i++ {
		res, err = e.ExecuteWithCompiledCode(ctx, cc, req.Stdin, req.ExpectedOutput)
		if err != nil {
			return Result{}, err
		}
		metrics.Merge(res.Metrics)
		if res.Status != grade.StatusAccepted {
			break
		}
	}
	res.Metrics = metrics
	return res, nil
}

// readOutput reads a file the sandbox could write, capped at the output
// limit. It never follows links; size is the file's full length.
func (e *Engine) readOutput(dir, name string) (string, int64, error) {
	data, size, err := e.fs.ReadFileIn(dir, name, int64(e.cfg.MaxOutputBytes))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("failed to read box file", zap.String("file", name), zap.Error(err))
		}
		return "", 0, err
	}
	return string(data), size, nil
}

func (e *Engine) readSmall(dir, name string) (string, bool) {
	const limit = 4096
	data, _, err := e.fs.ReadFileIn(dir, name, limit)
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

// containerName is unique per attempt so a retry never collides with a
// container whose removal failed.
func containerName(token string, now time.Time) string {
	return fmt.Sprintf("codegrader-%s-%d", token, now.UnixNano())
}
