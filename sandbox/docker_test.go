package sandbox

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockDockerAPI implements DockerAPI for testing
type MockDockerAPI struct {
	mu sync.Mutex

	missingImages map[string]bool
	pulled        []string
	inspectCalls  int

	createErr  error
	startErr   error
	execExit   int
	execBlocks bool

	created   []*container.HostConfig
	configs   []*container.Config
	execCmds  [][]string
	removed   []string
	listed    []container.Summary
	removeErr map[string]error
}

func (m *MockDockerAPI) ImageInspect(_ context.Context, imageID string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inspectCalls++
	if m.missingImages[imageID] {
		return image.InspectResponse{}, errdefs.NotFound(errors.New("no such image"))
	}
	return image.InspectResponse{ID: imageID}, nil
}

func (m *MockDockerAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, ref)
	delete(m.missingImages, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (m *MockDockerAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string,
) (container.CreateResponse, error) {
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = append(m.configs, config)
	m.created = append(m.created, hostConfig)
	return container.CreateResponse{ID: "ctr-1"}, nil
}

func (m *MockDockerAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return m.startErr
}

func (m *MockDockerAPI) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execCmds = append(m.execCmds, options.Cmd)
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (m *MockDockerAPI) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	local, remote := net.Pipe()
	var reader io.Reader = strings.NewReader("")
	if m.execBlocks {
		// Never yields data or EOF, like an exec that is still running.
		reader = remote
	}
	return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(reader)}, nil
}

func (m *MockDockerAPI) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExecID: "exec-1", Running: false, ExitCode: m.execExit}, nil
}

func (m *MockDockerAPI) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.removeErr[containerID]; err != nil {
		return err
	}
	m.removed = append(m.removed, containerID)
	return nil
}

func (m *MockDockerAPI) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return m.listed, nil
}

func dockerSpec() ContainerSpec {
	return ContainerSpec{
		Name:        "codegrader-tok-1",
		Image:       "gcc:13",
		RootDir:     "/tmp/root",
		BoxDir:      "/tmp/root/box",
		ScriptDir:   "/tmp/root/judge",
		IODir:       "/tmp/root/io",
		BoxReadOnly: true,
		MemoryKB:    128000,
		Processes:   60,
		Constraints: testConstraints(),
		CPUs:        1.5,
		Seccomp:     []byte(`{"defaultAction":"SCMP_ACT_ERRNO"}`),
	}
}

func TestDockerRuntimeStart(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("HardenedConfig", func(t *testing.T) {
		api := &MockDockerAPI{}
		d := NewDockerRuntime(logger, api)

		id, err := d.Start(context.Background(), dockerSpec())
		require.NoError(t, err)
		assert.Equal(t, "ctr-1", id)

		require.Len(t, api.created, 1)
		cfg, host := api.configs[0], api.created[0]
		assert.Equal(t, "nobody", cfg.User)
		assert.True(t, cfg.NetworkDisabled)
		assert.Equal(t, "true", cfg.Labels[ManagedLabel])
		assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
		assert.True(t, host.ReadonlyRootfs)
		assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
		assert.Equal(t, []string{
			"/tmp/root/box:/box:ro",
			"/tmp/root/judge:/judge:ro",
			"/tmp/root/io:/io",
		}, host.Binds)
		assert.Contains(t, host.SecurityOpt, "no-new-privileges:true")
		assert.Contains(t, host.SecurityOpt, `seccomp={"defaultAction":"SCMP_ACT_ERRNO"}`)
		assert.Equal(t, int64(128000*1024), host.Memory)
		assert.Equal(t, host.Memory, host.MemorySwap)
		assert.Equal(t, int64(1_500_000_000), host.NanoCPUs)
		require.NotNil(t, host.PidsLimit)
		assert.Equal(t, int64(60), *host.PidsLimit)
	})

	t.Run("BuildContainer", func(t *testing.T) {
		api := &MockDockerAPI{}
		d := NewDockerRuntime(logger, api)

		spec := dockerSpec()
		spec.BoxReadOnly = false
		spec.MemoryKB = 1024 * 1024
		spec.Processes = 128
		_, err := d.Start(context.Background(), spec)
		require.NoError(t, err)

		host := api.created[0]
		assert.Equal(t, "/tmp/root/box:/box", host.Binds[0])
		assert.Equal(t, "/tmp/root/judge:/judge:ro", host.Binds[1])
		assert.Equal(t, int64(1024*1024*1024), host.Memory)
		require.NotNil(t, host.PidsLimit)
		assert.Equal(t, int64(128), *host.PidsLimit)
	})

	t.Run("NetworkedGrade", func(t *testing.T) {
		api := &MockDockerAPI{}
		d := NewDockerRuntime(logger, api)

		spec := dockerSpec()
		spec.Constraints.EnableNetwork = true
		_, err := d.Start(context.Background(), spec)
		require.NoError(t, err)
		assert.Equal(t, container.NetworkMode("bridge"), api.created[0].NetworkMode)
		assert.False(t, api.configs[0].NetworkDisabled)
	})

	t.Run("PullsMissingImageOnce", func(t *testing.T) {
		api := &MockDockerAPI{missingImages: map[string]bool{"gcc:13": true}}
		d := NewDockerRuntime(logger, api)

		_, err := d.Start(context.Background(), dockerSpec())
		require.NoError(t, err)
		_, err = d.Start(context.Background(), dockerSpec())
		require.NoError(t, err)

		assert.Equal(t, []string{"gcc:13"}, api.pulled)
		assert.Equal(t, 1, api.inspectCalls)
	})

	t.Run("StartFailureRemovesContainer", func(t *testing.T) {
		api := &MockDockerAPI{startErr: errors.New("oci runtime error")}
		d := NewDockerRuntime(logger, api)

		_, err := d.Start(context.Background(), dockerSpec())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "oci runtime error")
		assert.Equal(t, []string{"ctr-1"}, api.removed)
	})

	t.Run("CreateFailure", func(t *testing.T) {
		api := &MockDockerAPI{createErr: errors.New("daemon unreachable")}
		d := NewDockerRuntime(logger, api)

		_, err := d.Start(context.Background(), dockerSpec())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create container")
	})
}

func TestDockerRuntimeExec(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("ExitCode", func(t *testing.T) {
		api := &MockDockerAPI{execExit: 124}
		d := NewDockerRuntime(logger, api)

		code, err := d.Exec(context.Background(), "ctr-1", "/judge/run.sh", "/box", "/io/run-1")
		require.NoError(t, err)
		assert.Equal(t, 124, code)
		assert.Equal(t, [][]string{{"sh", "/judge/run.sh", "/box", "/io/run-1"}}, api.execCmds)
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		api := &MockDockerAPI{execBlocks: true}
		d := NewDockerRuntime(logger, api)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := d.Exec(ctx, "ctr-1", "/judge/run.sh")
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestDockerRuntimeRemoveAndSweep(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("RemoveIgnoresMissing", func(t *testing.T) {
		api := &MockDockerAPI{removeErr: map[string]error{"gone": errdefs.NotFound(errors.New("no such container"))}}
		d := NewDockerRuntime(logger, api)
		assert.NoError(t, d.Remove(context.Background(), "gone"))
	})

	t.Run("Sweep", func(t *testing.T) {
		api := &MockDockerAPI{
			listed:    []container.Summary{{ID: "a1"}, {ID: "b2"}, {ID: "c3"}},
			removeErr: map[string]error{"b2": errors.New("busy")},
		}
		d := NewDockerRuntime(logger, api)

		removed, err := d.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		assert.Equal(t, []string{"a1", "c3"}, api.removed)
	})
}
