package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/language"
)

// ErrNotRegular is returned when a box file turns out to be a link, pipe
// or directory.
var ErrNotRegular = errors.New("not a regular file")

// Request describes one submission to build and run.
type Request struct {
	Token          string
	Language       language.Language
	SourceCode     string
	Constraints    grade.Constraints
	Stdin          string
	ExpectedOutput string
}

// Result is the verdict and measurements of a single run. Domain outcomes
// such as a wrong answer or a crash are reported here, never as errors.
type Result struct {
	Status        grade.Status
	Metrics       grade.Metrics
	Stdout        string
	Stderr        string
	CompileOutput string
	Message       string
}

// CompilationContext is a live isolated environment holding a compiled
// submission. It must be released with CleanupCompilation.
//
// RootDir holds three directories. BoxDir has the source and the build
// output and is read-only to runs. ScriptDir has the generated scripts
// and is always read-only to the sandbox. IODir receives a fresh
// directory per run for stdin, output and measurements.
type CompilationContext struct {
	Token       string
	Language    language.Language
	Constraints grade.Constraints

	ContainerID string
	RootDir     string
	BoxDir      string
	ScriptDir   string
	IODir       string

	CompileFailed   bool
	CompileOutput   string
	CompileDuration time.Duration

	cleanupOnce sync.Once
	release     func()
}

// Backend executes untrusted code. PrepareCompilation and
// CleanupCompilation bracket any number of ExecuteWithCompiledCode calls
// against the same environment; ExecuteCode is the one-shot form.
type Backend interface {
	PrepareCompilation(ctx context.Context, req Request) (*CompilationContext, error)
	ExecuteWithCompiledCode(ctx context.Context, cc *CompilationContext, stdin, expectedOutput string) (Result, error)
	CleanupCompilation(ctx context.Context, cc *CompilationContext) error
	ExecuteCode(ctx context.Context, req Request) (Result, error)
}

// ContainerSpec is what a Runtime needs to provision an environment. The
// box, script and io directories are mounted at BoxMount, ScriptMount and
// IOMount.
type ContainerSpec struct {
	Name        string
	Image       string
	RootDir     string
	BoxDir      string
	ScriptDir   string
	IODir       string
	BoxReadOnly bool
	MemoryKB    int
	Processes   int
	Constraints grade.Constraints
	CPUs        float64
	Seccomp     []byte
}

// Runtime is the isolation primitive behind the Engine.
type Runtime interface {
	Name() string
	// Contained reports whether Exec runs inside a resource-limited
	// container with its own cgroup.
	Contained() bool
	Start(ctx context.Context, spec ContainerSpec) (string, error)
	// Exec runs sh script args... and returns its exit code. Paths are
	// as the environment sees them.
	Exec(ctx context.Context, id, script string, args ...string) (int, error)
	Remove(ctx context.Context, id string) error
}

// Sweeper is implemented by runtimes that can find environments left
// behind by a previous process.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments are built by the runtime

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdoutBuf.String(), stderrBuf.String(), -1, ctxErr
		}
		if exitError, ok := err.(*exec.ExitError); ok {
			return stdoutBuf.String(), stderrBuf.String(), exitError.ExitCode(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, err
	}

	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	Chmod(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	// WriteFileIn creates name inside dir. It never follows a symlink and
	// fails when name already exists.
	WriteFileIn(dir, name string, data []byte, perm os.FileMode) error
	// ReadFileIn reads up to limit bytes of the regular file name inside
	// dir without following symlinks, and returns the file's full size.
	ReadFileIn(dir, name string, limit int64) ([]byte, int64, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) Chmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) WriteFileIn(dir, name string, data []byte, perm os.FileMode) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()

	f, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL|unix.O_NOFOLLOW, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (RealFileSystem) ReadFileIn(dir, name string, limit int64) ([]byte, int64, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, 0, err
	}
	defer root.Close()

	info, err := root.Lstat(name)
	if err != nil {
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("%s: %w", name, ErrNotRegular)
	}

	// The name may be swapped between Lstat and open. O_NOFOLLOW refuses a
	// link and O_NONBLOCK keeps a planted fifo from stalling the open.
	f, err := root.OpenFile(name, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, 0, fmt.Errorf("%s: %w", name, ErrNotRegular)
		}
		return nil, 0, err
	}
	defer f.Close()

	info, err = f.Stat()
	if err != nil {
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("%s: %w", name, ErrNotRegular)
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, 0, err
	}
	return data, info.Size(), nil
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission and layout constants
const (
	DirPermission  = 0o755
	FilePermission = 0o600

	// The box, while building, and each run directory are shared with the
	// unprivileged sandbox user.
	BoxPermission     = 0o777
	BoxFilePermission = 0o644

	BoxMount     = "/box"
	ScriptMount  = "/judge"
	IOMount      = "/io"
	ManagedLabel = "codegrader.managed"
)

// Directory and file names inside a compilation root
const (
	boxDirName    = "box"
	scriptDirName = "judge"
	ioDirName     = "io"

	compileScript     = "compile.sh"
	buildScript       = "build.sh"
	runScript         = "run.sh"
	commandScript     = "cmd.sh"
	stdinFile         = "stdin.txt"
	stdoutFile        = "stdout.txt"
	stderrFile        = "stderr.txt"
	compileOutputFile = "compile_output.txt"
	timesFile         = "times.txt"
	memoryFile        = "memory.txt"
	oomFile           = "oom.txt"
)
