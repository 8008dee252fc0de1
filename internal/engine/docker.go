package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// dockerKillGrace mirrors killGrace for the containerized shutdown path.
const dockerKillGrace = 10 * time.Second

// DockerConfig names the image and mounts a containerized engine starts
// under, generalized from kdlbs-kandev's ContainerConfig down to the
// fields a child-process engine actually needs.
type DockerConfig struct {
	Image       string
	NetworkMode string
	Memory      int64
	Labels      map[string]string
}

// DockerLauncher starts the child-process engine inside a container
// instead of as a host subprocess, grounded on
// kdlbs-kandev/backend/internal/agent/docker/client.go's Client wrapper
// (ContainerCreate/ContainerStart/ContainerAttach/ContainerWait). Start
// applies the rewriteLocalhost policy to the config before handing it
// to the child engine (the host launcher, StartChildProcess, does no
// such rewriting), so an MCP
// server URL that reads "http://localhost:8787" from the runtime's own
// point of view still resolves from inside the container.
type DockerLauncher struct {
	cli       *client.Client
	hostAlias string
	dcfg      DockerConfig
	logger    *slog.Logger
}

// NewDockerLauncher builds a launcher bound to a running Docker daemon.
// hostAlias is substituted for "localhost"/"127.0.0.1" in MCP server
// URLs and environment values before the container starts.
func NewDockerLauncher(hostAlias string, dcfg DockerConfig, logger *slog.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker launcher: %w", err)
	}
	return &DockerLauncher{
		cli:       cli,
		hostAlias: hostAlias,
		dcfg:      dcfg,
		logger:    logger.With("component", "engine", "engine_id", "container"),
	}, nil
}

// rewriteLocalhost substitutes hostAlias for localhost/127.0.0.1
// occurrences in MCP server URLs and environment values, per spec.md
// §4.6: "a configurable flag substitutes localhost for an explicit host
// alias in MCP server URLs/env values; every other rewrite is
// rejected." Only the two documented localhost spellings are ever
// rewritten; anything else passes through untouched.
func rewriteLocalhost(alias string, value string) string {
	if alias == "" {
		return value
	}
	v := strings.ReplaceAll(value, "://localhost", "://"+alias)
	v = strings.ReplaceAll(v, "://127.0.0.1", "://"+alias)
	return v
}

// rewriteConfig applies rewriteLocalhost to every MCP server URL and
// environment value in cfg, leaving everything else untouched.
func rewriteConfig(alias string, cfg Config) Config {
	if alias == "" {
		return cfg
	}
	out := cfg
	if len(cfg.Environment) > 0 {
		env := make(map[string]string, len(cfg.Environment))
		for k, v := range cfg.Environment {
			env[k] = rewriteLocalhost(alias, v)
		}
		out.Environment = env
	}
	if len(cfg.MCPServers) > 0 {
		servers := make(map[string]any, len(cfg.MCPServers))
		for name, raw := range cfg.MCPServers {
			servers[name] = rewriteMCPServerEntry(alias, raw)
		}
		out.MCPServers = servers
	}
	return out
}

// rewriteMCPServerEntry rewrites the "url" field of an MCP server
// manifest entry if present; any other shape passes through unchanged.
func rewriteMCPServerEntry(alias string, raw any) any {
	entry, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	url, ok := entry["url"].(string)
	if !ok {
		return raw
	}
	rewritten := make(map[string]any, len(entry))
	for k, v := range entry {
		rewritten[k] = v
	}
	rewritten["url"] = rewriteLocalhost(alias, url)
	return rewritten
}

// Start launches cfg.Command inside a container built from l.dcfg.Image,
// attaches its stdio, and speaks the same NDJSON protocol
// ChildProcessEngine does over a pipe instead of an os/exec.Cmd.
func (l *DockerLauncher) Start(ctx context.Context, cfg Config, logger *slog.Logger) (*ChildProcessEngine, error) {
	cfg = rewriteConfig(l.hostAlias, cfg)

	env := make([]string, 0, len(cfg.Environment))
	for k, v := range cfg.Environment {
		env = append(env, k+"="+v)
	}

	resp, err := l.cli.ContainerCreate(ctx, &container.Config{
		Image:        l.dcfg.Image,
		Cmd:          append([]string{cfg.Command}, cfg.Args...),
		Env:          env,
		WorkingDir:   cfg.WorkDir,
		Labels:       l.dcfg.Labels,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(l.dcfg.NetworkMode),
		AutoRemove:  true,
		Resources:   container.Resources{Memory: l.dcfg.Memory},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container for engine %s: %w", cfg.AgentID, err)
	}
	containerID := resp.ID

	attach, err := l.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}

	if err := l.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container %s: %w", containerID, err)
	}

	e := &ChildProcessEngine{
		containerID: containerID,
		cli:         l.cli,
		output:      make(chan Output, 64),
		done:        make(chan struct{}),
		logger:      logger.With("container_id", containerID),
		state:       StateStarting,
		stdin:       attach.Conn,
	}

	ready := make(chan struct{})
	go e.readLoop(attach.Reader, ready)
	go e.waitContainer()

	select {
	case <-ready:
	case <-e.done:
		return nil, fmt.Errorf("container %s exited before init", containerID)
	case <-ctx.Done():
		_ = e.Terminate(context.Background(), "init timeout")
		return nil, ctx.Err()
	}

	e.mu.Lock()
	e.state = StateReady
	e.mu.Unlock()
	return e, nil
}

// waitContainer blocks for the container's exit status and fans it out
// the same way the host-subprocess Wait goroutine does.
func (e *ChildProcessEngine) waitContainer() {
	statusCh, errCh := e.cli.ContainerWait(context.Background(), e.containerID, container.WaitConditionNotRunning)
	var err error
	select {
	case werr := <-errCh:
		err = werr
	case status := <-statusCh:
		if status.StatusCode != 0 {
			err = fmt.Errorf("container %s exited with status %d", e.containerID, status.StatusCode)
		}
	}

	e.mu.Lock()
	e.waitErr = err
	e.state = StateTerminated
	handlers := e.exitHandlers
	e.mu.Unlock()
	close(e.done)
	close(e.output)
	for _, h := range handlers {
		h(err)
	}
}

var _ io.Closer = (*DockerLauncher)(nil)

// Close releases the underlying Docker client connection.
func (l *DockerLauncher) Close() error {
	return l.cli.Close()
}
