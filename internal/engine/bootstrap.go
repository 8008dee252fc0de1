package engine

import (
	"context"
	"io"
	"log/slog"

	"github.com/tymbal-dev/tymbal/internal/config"
)

// DefaultIDs names the three built-in engine ids every runtime
// registers (one in-process engine, and two ids sharing the
// child-process engine), mirroring the teacher's DefaultRegistry's fixed profile
// set but generalized to spec.md §4.6's two execution models.
const (
	EngineClaudeSDK = "claude-sdk"
	EngineExternal  = "external"
	EngineNuum      = "nuum"
)

// NewDefaultRegistry builds a Registry wired from a runtime's own
// config: an in-process engine for EngineClaudeSDK, and a
// child-process engine (spawned on the host, or inside a container
// when rt.ContainerizedEngines is set) shared by EngineExternal and
// EngineNuum, generalized from adapter.DefaultRegistry's fixed
// Register calls into config-driven factories.
//
// The returned io.Closer releases the Docker client when containerized
// engines are enabled; callers should Close it on shutdown. It is a
// no-op when containerization is disabled.
func NewDefaultRegistry(rt config.RuntimeSelfConfig, logger *slog.Logger) (*Registry, io.Closer, error) {
	r := NewRegistry(EngineExternal)

	r.Register(EngineClaudeSDK, Capabilities{
		NativeSessionIDs: false,
		TurnCompletion:   true,
		ResumeAttach:     false,
		ExecModel:        "in-process",
	}, func(ctx context.Context) bool {
		return true
	}, func(ctx context.Context, cfg Config) (Engine, error) {
		return StartInProcess(ctx, cfg, logger)
	})

	var closer io.Closer = nopCloser{}
	spawnChild := func(ctx context.Context, cfg Config) (Engine, error) {
		return StartChildProcess(ctx, cfg, logger)
	}
	execModel := "child-process"

	if rt.ContainerizedEngines {
		launcher, err := NewDockerLauncher(rt.HostAlias, DockerConfig{
			Image: rt.DockerImage,
			Labels: map[string]string{
				"tymbal.runtime": rt.ID,
			},
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		closer = launcher
		execModel = "container"
		spawnChild = func(ctx context.Context, cfg Config) (Engine, error) {
			return launcher.Start(ctx, cfg, logger)
		}
	}

	childCaps := Capabilities{
		NativeSessionIDs: true,
		TurnCompletion:   true,
		ResumeAttach:     true,
		ExecModel:        execModel,
	}
	r.Register(EngineExternal, childCaps, nil, spawnChild)
	r.Register(EngineNuum, childCaps, nil, spawnChild)

	return r, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
