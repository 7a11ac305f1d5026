package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// podman and docker both reserve 125 for failures of the CLI itself.
const cliErrorExitCode = 125

// PodmanRuntime drives containers through a docker-compatible CLI, podman
// by default. It needs no daemon socket, which suits rootless hosts.
type PodmanRuntime struct {
	logger         *zap.Logger
	binary         string
	networkEnabled bool
	cmdRunner      CommandRunner
	fs             FileSystem
}

// PodmanRuntimeOption defines a functional option for PodmanRuntime
type PodmanRuntimeOption func(*PodmanRuntime)

// WithPodmanCommandRunner sets the CommandRunner for PodmanRuntime
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.cmdRunner = cmdRunner
	}
}

// WithPodmanFileSystem sets the FileSystem for PodmanRuntime
func WithPodmanFileSystem(fs FileSystem) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.fs = fs
	}
}

// WithPodmanBinary selects the CLI, e.g. "docker".
func WithPodmanBinary(binary string) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.binary = binary
	}
}

// WithPodmanNetwork allows grades with enable_network to reach the network.
func WithPodmanNetwork(enabled bool) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.networkEnabled = enabled
	}
}

// NewPodmanRuntime creates a new PodmanRuntime with default implementations and optional interfaces
func NewPodmanRuntime(logger *zap.Logger, opts ...PodmanRuntimeOption) *PodmanRuntime {
	p := &PodmanRuntime{
		logger:         logger,
		binary:         "podman",
		networkEnabled: true,
		cmdRunner:      &RealCommandRunner{},
		fs:             &RealFileSystem{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PodmanRuntime) Name() string { return p.binary }

func (*PodmanRuntime) Contained() bool { return true }

// Start runs a detached idle container with the grade's directories
// bind-mounted.
func (p *PodmanRuntime) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	args, err := p.runArgs(spec)
	if err != nil {
		return "", err
	}

	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", p.binary, err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("%s run exited with %d: %s", p.binary, exitCode, strings.TrimSpace(stderr))
	}

	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", fmt.Errorf("%s run returned no container id", p.binary)
	}
	return id, nil
}

func (p *PodmanRuntime) runArgs(spec ContainerSpec) ([]string, error) {
	c := spec.Constraints
	memory := formatKB(max(spec.MemoryKB, minDockerMemory/1024))
	processes := spec.Processes
	if processes <= 0 {
		processes = c.MaxProcessesAndOrThreads
	}

	networkMode := "none"
	if p.networkEnabled && c.EnableNetwork {
		networkMode = "bridge"
	}

	args := []string{
		p.binary, "run", "-d",
		"--name", spec.Name,
		"--label", ManagedLabel + "=true",
		"--network", networkMode,
		"--memory", memory,
		"--memory-swap", memory,
		"--pids-limit", strconv.Itoa(processes),
		"--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", maxOpenFiles, maxOpenFiles),
		"--read-only",
		"--tmpfs", "/tmp:" + tmpfsOptions,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", sandboxUser,
		"--workdir", BoxMount,
		"-e", "HOME=/tmp",
		"-e", "TMPDIR=/tmp",
	}
	for _, bind := range binds(spec) {
		args = append(args, "-v", bind)
	}

	if len(spec.Seccomp) > 0 {
		// The profile lives in the root dir, outside the container's view.
		profilePath := filepath.Join(spec.RootDir, "seccomp.json")
		if err := p.fs.WriteFile(profilePath, spec.Seccomp, FilePermission); err != nil {
			return nil, fmt.Errorf("failed to write seccomp profile: %w", err)
		}
		args = append(args, "--security-opt", "seccomp="+profilePath)
	}

	return append(args, spec.Image, "tail", "-f", "/dev/null"), nil
}

// Exec runs sh script args... in the container and returns its exit code.
func (p *PodmanRuntime) Exec(ctx context.Context, id, script string, args ...string) (int, error) {
	args = append([]string{p.binary, "exec", "--user", sandboxUser, id, "sh", script}, args...)
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return -1, err
	}
	if exitCode == cliErrorExitCode {
		return -1, fmt.Errorf("%s exec failed: %s", p.binary, strings.TrimSpace(stderr))
	}
	return exitCode, nil
}

// Remove force-removes the container.
func (p *PodmanRuntime) Remove(ctx context.Context, id string) error {
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{p.binary, "rm", "-f", id})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%s rm exited with %d: %s", p.binary, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// Sweep removes every container carrying the managed label.
func (p *PodmanRuntime) Sweep(ctx context.Context) (int, error) {
	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx,
		[]string{p.binary, "ps", "-aq", "--filter", "label=" + ManagedLabel + "=true"})
	if err != nil {
		return 0, err
	}
	if exitCode != 0 {
		return 0, fmt.Errorf("%s ps exited with %d: %s", p.binary, exitCode, strings.TrimSpace(stderr))
	}

	removed := 0
	for _, id := range strings.Fields(stdout) {
		if err := p.Remove(ctx, id); err != nil {
			p.logger.Warn("failed to remove orphaned container", zap.String("container", id), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func formatKB(kb int) string {
	return strconv.Itoa(kb) + "k"
}
