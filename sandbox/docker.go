package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// DockerAPI is the subset of the Docker Engine client used by DockerRuntime.
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

const (
	sandboxUser      = "nobody"
	minDockerMemory  = 6 * 1024 * 1024
	tmpfsOptions     = "rw,exec,nosuid,size=64m"
	execPollInterval = 10 * time.Millisecond
	maxOpenFiles     = 256
)

// DockerRuntime runs each grade in a long-lived container driven through
// the Docker Engine API. Every run is a separate exec.
type DockerRuntime struct {
	logger         *zap.Logger
	api            DockerAPI
	networkEnabled bool
	pulled         mapset.Set[string]
}

// DockerRuntimeOption defines a functional option for DockerRuntime
type DockerRuntimeOption func(*DockerRuntime)

// WithDockerNetwork attaches containers to the default bridge instead of
// isolating them. Individual grades still need enable_network.
func WithDockerNetwork(enabled bool) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.networkEnabled = enabled
	}
}

// NewDockerClient connects using the standard DOCKER_* environment.
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// NewDockerRuntime creates a DockerRuntime around api.
func NewDockerRuntime(logger *zap.Logger, api DockerAPI, opts ...DockerRuntimeOption) *DockerRuntime {
	d := &DockerRuntime{
		logger:         logger,
		api:            api,
		networkEnabled: true,
		pulled:         mapset.NewSet[string](),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (*DockerRuntime) Name() string { return "docker" }

func (*DockerRuntime) Contained() bool { return true }

// Start creates and starts an idle container with the grade's directories
// bind-mounted.
func (d *DockerRuntime) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	cfg, hostCfg := d.containerConfig(spec)
	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.Remove(context.WithoutCancel(ctx), resp.ID); rmErr != nil {
			d.logger.Warn("failed to remove unstarted container", zap.String("container", resp.ID), zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	d.logger.Debug("container started", zap.String("container", resp.ID), zap.String("image", spec.Image))
	return resp.ID, nil
}

func (d *DockerRuntime) containerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	c := spec.Constraints
	networked := d.networkEnabled && c.EnableNetwork

	memory := max(int64(spec.MemoryKB)*1024, minDockerMemory)
	pids := int64(spec.Processes)
	if pids <= 0 {
		pids = int64(c.MaxProcessesAndOrThreads)
	}

	securityOpt := []string{"no-new-privileges:true"}
	if len(spec.Seccomp) > 0 {
		securityOpt = append(securityOpt, "seccomp="+string(spec.Seccomp))
	}

	networkMode := container.NetworkMode("none")
	if networked {
		networkMode = "bridge"
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"tail", "-f", "/dev/null"},
		User:            sandboxUser,
		WorkingDir:      BoxMount,
		Env:             []string{"HOME=/tmp", "TMPDIR=/tmp"},
		NetworkDisabled: !networked,
		Labels:          map[string]string{ManagedLabel: "true"},
	}

	hostCfg := &container.HostConfig{
		Binds:          binds(spec),
		NetworkMode:    networkMode,
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": tmpfsOptions},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    securityOpt,
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(spec.CPUs * 1e9),
			PidsLimit:  &pids,
			Ulimits: []*container.Ulimit{
				{Name: "nofile", Soft: maxOpenFiles, Hard: maxOpenFiles},
			},
		},
	}
	return cfg, hostCfg
}

func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if d.pulled.Contains(ref) {
		return nil
	}
	_, err := d.api.ImageInspect(ctx, ref)
	if err == nil {
		d.pulled.Add(ref)
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	d.logger.Info("pulling image", zap.String("image", ref))
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	d.pulled.Add(ref)
	return nil
}

// binds mounts the scripts read-only, the io directory read-write and the
// box as the spec asks.
func binds(spec ContainerSpec) []string {
	box := spec.BoxDir + ":" + BoxMount
	if spec.BoxReadOnly {
		box += ":ro"
	}
	return []string{
		box,
		spec.ScriptDir + ":" + ScriptMount + ":ro",
		spec.IODir + ":" + IOMount,
	}
}

// Exec runs sh script args... as the sandbox user and waits for it.
func (d *DockerRuntime) Exec(ctx context.Context, id, script string, args ...string) (int, error) {
	created, err := d.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:         sandboxUser,
		WorkingDir:   BoxMount,
		Cmd:          append([]string{"sh", script}, args...),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec: %w", err)
	}

	attached, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attached.Close()

	// The scripts redirect program output into the io dir; anything left on
	// the exec streams is wrapper noise and only drained.
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(io.Discard, io.Discard, attached.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-done:
		if err != nil {
			return -1, fmt.Errorf("failed to read exec output: %w", err)
		}
	}

	for {
		inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return -1, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

// Remove force-removes the container.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Sweep removes every container carrying the managed label.
func (d *DockerRuntime) Sweep(ctx context.Context) (int, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	removed := 0
	for _, c := range list {
		if err := d.Remove(ctx, c.ID); err != nil {
			d.logger.Warn("failed to remove orphaned container", zap.String("container", c.ID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
