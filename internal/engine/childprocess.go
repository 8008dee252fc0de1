package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// killGrace bounds how long Terminate waits after SIGTERM before
// escalating to SIGKILL, per spec.md §4.6: "sends SIGTERM, waits a
// bounded time, then SIGKILL." The teacher's external.go adapter skips
// straight to Process.Kill() on Close; spec.md's two-step shutdown is
// new behavior layered on top of the same pipe plumbing.
const killGrace = 5 * time.Second

// childMsg is the NDJSON message shape exchanged with a child-process
// engine, mirroring the teacher's externalMsg but keyed by spec.md
// §4.6's own vocabulary (init/session_id, control actions) rather than
// the teacher's session.start/user.input/file.output set.
type childMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
	Action    string `json:"action,omitempty"` // control{action}
}

// ChildProcessEngine spawns an external binary and speaks NDJSON over
// its stdin/stdout, grounded on runtime/internal/adapter/external.go's
// ExternalAdapter/externalSession split (pipes, a background read
// loop, a done channel closed by Wait). When started via
// DockerLauncher instead of StartChildProcess, cmd is nil and
// containerID/cli are set instead; PID and Terminate branch on which
// backing process kind is in play.
type ChildProcessEngine struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output chan Output
	done   chan struct{}

	containerID string
	cli         *client.Client

	logger *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	waitErr   error
	exitHandlers []func(error)
}

// StartChildProcess spawns cfg.Command and blocks until the child's
// initial "init" message arrives or ctx is done, per spec.md §5's
// "child engine ready ... bounded by an init timeout."
func StartChildProcess(ctx context.Context, cfg Config, logger *slog.Logger) (*ChildProcessEngine, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", cfg.Command, err)
	}

	e := &ChildProcessEngine{
		cmd:    cmd,
		output: make(chan Output, 64),
		done:   make(chan struct{}),
		logger: logger.With("component", "engine", "engine_id", "child-process"),
		state:  StateStarting,
		stdin:  stdinPipe,
	}

	ready := make(chan struct{})
	go e.readLoop(stdoutPipe, ready)
	go func() {
		e.mu.Lock()
		e.waitErr = cmd.Wait()
		e.state = StateTerminated
		handlers := e.exitHandlers
		err := e.waitErr
		e.mu.Unlock()
		close(e.done)
		close(e.output)
		for _, h := range handlers {
			h(err)
		}
	}()

	select {
	case <-ready:
	case <-e.done:
		return nil, fmt.Errorf("engine %s exited before init: %w", cfg.Command, e.waitErr)
	case <-ctx.Done():
		_ = e.Terminate(context.Background(), "init timeout")
		return nil, ctx.Err()
	}

	e.mu.Lock()
	e.state = StateReady
	e.mu.Unlock()
	return e, nil
}

func (e *ChildProcessEngine) readLoop(r io.Reader, ready chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	readyClosed := false
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg childMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			e.logger.Warn("malformed engine output line", "error", err)
			continue
		}
		switch msg.Type {
		case "init":
			e.mu.Lock()
			e.sessionID = msg.SessionID
			e.mu.Unlock()
			if !readyClosed {
				close(ready)
				readyClosed = true
			}
		case "turn.complete":
			e.setBusy(false)
			e.output <- Output{TurnDone: true}
		default:
			data := make([]byte, len(line))
			copy(data, line)
			e.output <- Output{Data: data}
		}
	}
}

func (e *ChildProcessEngine) setBusy(busy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateTerminated {
		return
	}
	if busy {
		e.state = StateBusy
	} else {
		e.state = StateReady
	}
}

// PID implements Engine. A container-backed engine has no host pid.
func (e *ChildProcessEngine) PID() *int {
	if e.cmd == nil || e.cmd.Process == nil {
		return nil
	}
	pid := e.cmd.Process.Pid
	return &pid
}

// State implements Engine.
func (e *ChildProcessEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Send writes a user message with sender attribution, per spec.md
// §4.6: "user messages embed sender attribution."
func (e *ChildProcessEngine) Send(ctx context.Context, msg []byte) error {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return ErrClosed
	}
	e.state = StateBusy
	sessionID := e.sessionID
	e.mu.Unlock()

	var payload SendPayload
	if err := json.Unmarshal(msg, &payload); err != nil {
		payload = SendPayload{Content: string(msg)}
	}
	content := payload.Content
	if payload.Sender != "" {
		content = Attribute(payload.Sender, payload.Content)
	}
	return e.write(childMsg{Type: "message", SessionID: sessionID, Content: content})
}

// Interrupt and Heartbeat send the control{action} out-of-band signals
// spec.md §4.6 calls out.
func (e *ChildProcessEngine) Interrupt() error { return e.sendControl("interrupt") }
func (e *ChildProcessEngine) Heartbeat() error { return e.sendControl("heartbeat") }

func (e *ChildProcessEngine) sendControl(action string) error {
	e.mu.Lock()
	sessionID := e.sessionID
	terminated := e.state == StateTerminated
	e.mu.Unlock()
	if terminated {
		return ErrClosed
	}
	return e.write(childMsg{Type: "control", SessionID: sessionID, Action: action})
}

func (e *ChildProcessEngine) write(msg childMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stdin == nil {
		return ErrClosed
	}
	_, err = e.stdin.Write(data)
	return err
}

// Output implements Engine.
func (e *ChildProcessEngine) Output() <-chan Output { return e.output }

// OnExit implements Engine.
func (e *ChildProcessEngine) OnExit(handler func(error)) {
	e.mu.Lock()
	if e.state == StateTerminated {
		err := e.waitErr
		e.mu.Unlock()
		handler(err)
		return
	}
	e.exitHandlers = append(e.exitHandlers, handler)
	e.mu.Unlock()
}

// Terminate sends SIGTERM, waits killGrace for exit, then escalates to
// SIGKILL, per spec.md §4.6. For a container-backed engine, this maps
// onto ContainerStop's own graceful-then-forceful shutdown.
func (e *ChildProcessEngine) Terminate(ctx context.Context, reason string) error {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	proc := e.cmd
	containerID := e.containerID
	e.mu.Unlock()

	e.logger.Info("terminating engine", "reason", reason)

	if containerID != "" {
		return e.terminateContainer(ctx, containerID)
	}
	if proc == nil || proc.Process == nil {
		return nil
	}
	_ = proc.Process.Signal(syscall.SIGTERM)

	select {
	case <-e.done:
		return nil
	case <-time.After(killGrace):
	case <-ctx.Done():
	}

	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	_ = proc.Process.Kill()
	<-e.done
	return nil
}

func (e *ChildProcessEngine) terminateContainer(ctx context.Context, containerID string) error {
	grace := int(dockerKillGrace.Seconds())
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		e.logger.Warn("container stop failed", "error", err)
	}
	select {
	case <-e.done:
	case <-time.After(dockerKillGrace + time.Second):
	}
	return nil
}
