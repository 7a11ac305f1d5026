package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codegrader/config"
)

// NewFromConfig creates an Engine backed by the runtime named in
// sandbox.backend.
func NewFromConfig(logger *zap.Logger, cfg *config.Config) (*Engine, error) {
	sc := cfg.Sandbox

	var seccomp []byte
	if sc.SeccompEnabled && sc.Backend != "local" {
		allowed := sc.AllowedSyscalls
		if len(allowed) == 0 {
			allowed = DefaultAllowedSyscalls
		}
		profile, err := SeccompProfile(allowed, sc.SeccompDefaultAction)
		if err != nil {
			return nil, err
		}
		seccomp = profile
	}

	var runtime Runtime
	switch sc.Backend {
	case "docker":
		api, err := NewDockerClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		runtime = NewDockerRuntime(logger, api, WithDockerNetwork(sc.NetworkEnabled))
	case "podman":
		runtime = NewPodmanRuntime(logger,
			WithPodmanBinary(sc.Binary),
			WithPodmanNetwork(sc.NetworkEnabled))
	case "local":
		if !sc.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled")
		}
		runtime = NewLocalRuntime(logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", sc.Backend)
	}

	return NewEngine(logger, runtime, EngineConfig{
		WorkDir:          sc.WorkDir,
		MaxContainers:    int64(sc.MaxContainers),
		CPUs:             sc.CPUs,
		CompileTimeout:   cfg.CompileTimeout(),
		ExecGrace:        time.Duration(sc.ExecGraceSec) * time.Second,
		MaxOutputBytes:   sc.MaxOutputKB * 1024,
		MaxExtractKB:     cfg.Limits.MaxExtractSize,
		CompileMemoryKB:  sc.CompileMemoryKB,
		CompileProcesses: sc.CompileProcesses,
		Seccomp:          seccomp,
		SeccompKills:     len(seccomp) > 0 && sc.SeccompDefaultAction == SeccompActKillProcess,
	}), nil
}
