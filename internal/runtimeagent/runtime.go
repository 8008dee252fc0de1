package runtimeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tymbal-dev/tymbal/internal/config"
	"github.com/tymbal-dev/tymbal/internal/engine"
	"github.com/tymbal-dev/tymbal/internal/eventbus"
	"github.com/tymbal-dev/tymbal/pkg/agentid"
	"github.com/tymbal-dev/tymbal/pkg/frame"
	"github.com/tymbal-dev/tymbal/pkg/message"
	"github.com/tymbal-dev/tymbal/pkg/sortid"
	"github.com/tymbal-dev/tymbal/pkg/wire"
)

// frameEnvelope mirrors runtimeproto's own frameEnvelope: the nested
// frame line travels as raw JSON since frame.Serialize already produces
// the exact wire grammar.
type frameEnvelope struct {
	AgentID string          `json:"agentId"`
	Frame   json.RawMessage `json:"frame"`
}

type runningAgent struct {
	eng      engine.Engine
	turn     *message.Handle
	callsign string
}

// Runtime is the runtime process's main orchestrator: it owns the hub
// client, the engine registry, and every currently-active agent's
// engine instance, grounded on the teacher's own `runtime.Runtime` /
// `adapter.Registry` split.
type Runtime struct {
	cfg      *config.RuntimeConfigFile
	registry *engine.Registry
	client   *Client
	bus      *eventbus.Bus
	logger   *slog.Logger

	startedAt time.Time

	mu     sync.Mutex
	agents map[string]*runningAgent // agentID (space:channel:callsign) -> running engine
}

// New builds a Runtime from its loaded config and a pre-wired engine
// registry (see engine.NewDefaultRegistry).
func New(cfg *config.RuntimeConfigFile, registry *engine.Registry, bus *eventbus.Bus, logger *slog.Logger) *Runtime {
	if bus == nil {
		bus = eventbus.New()
	}
	rt := &Runtime{
		cfg:       cfg,
		registry:  registry,
		bus:       bus,
		logger:    logger.With("component", "runtimeagent", "runtime_id", cfg.Runtime.ID),
		startedAt: time.Now(),
		agents:    make(map[string]*runningAgent),
	}
	rt.client = NewClient(cfg.Hub, cfg.Runtime.ID, cfg.Runtime.SpaceID, cfg.Runtime.Name, rt.handleEnvelope, rt.logger)
	rt.client.SetStateChangeHandler(func(connected, reconnecting bool) {
		switch {
		case connected:
			rt.bus.PublishType(eventbus.HubConnected, nil)
		case reconnecting:
			rt.bus.PublishType(eventbus.HubReconnecting, nil)
		default:
			rt.bus.PublishType(eventbus.HubDisconnected, nil)
		}
	})
	return rt
}

// Bus returns the runtime's event bus, for wiring the status dashboard.
func (r *Runtime) Bus() *eventbus.Bus {
	return r.bus
}

// Run connects to the hub and blocks until ctx is canceled, terminating
// every active engine on the way out.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("starting runtime", "agents", len(r.cfg.Agents))
	defer r.terminateAll()
	return r.client.Connect(ctx)
}

func (r *Runtime) terminateAll() {
	r.mu.Lock()
	running := make([]*runningAgent, 0, len(r.agents))
	for _, a := range r.agents {
		running = append(running, a)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, a := range running {
		_ = a.eng.Terminate(ctx, "runtime shutting down")
	}
}

func (r *Runtime) bindingFor(callsign string) *config.AgentBinding {
	for i := range r.cfg.Agents {
		if r.cfg.Agents[i].Callsign == callsign {
			return &r.cfg.Agents[i]
		}
	}
	return nil
}

func (r *Runtime) handleEnvelope(env wire.Envelope) error {
	switch env.Type {
	case wire.TypeActivate:
		return r.handleActivate(env.Payload)
	case wire.TypeMessage:
		return r.handleMessage(env.Payload)
	case wire.TypeSuspend:
		return r.handleSuspend(env.Payload)
	default:
		r.logger.Warn("unknown message type from hub", "type", env.Type)
		return nil
	}
}

func decodePayload(payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (r *Runtime) handleActivate(payload any) error {
	var req wire.Activate
	if err := decodePayload(payload, &req); err != nil {
		return fmt.Errorf("unmarshal activate: %w", err)
	}
	id, err := agentid.Parse(req.AgentID)
	if err != nil {
		return fmt.Errorf("invalid agent id %q: %w", req.AgentID, err)
	}

	binding := r.bindingFor(id.Callsign)
	if binding == nil {
		return fmt.Errorf("no binding configured for callsign %q", id.Callsign)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Runtime.ActivateTimeout.Duration)
	defer cancel()

	resolvedID, factory, err := r.registry.Resolve(ctx, binding.EngineID)
	if err != nil {
		return fmt.Errorf("resolve engine %q: %w", binding.EngineID, err)
	}
	caps, _ := r.registry.Capabilities(resolvedID)

	cfg := engine.Config{
		AgentID:       req.AgentID,
		SystemPrompt:  req.SystemPrompt,
		WorkspacePath: req.WorkspacePath,
		MCPServers:    req.MCPServers,
	}
	if binding.InProcess != nil {
		cfg.Model = binding.InProcess.Model
		cfg.WorkDir = binding.InProcess.WorkDir
		if cfg.SystemPrompt == "" {
			cfg.SystemPrompt = binding.InProcess.SystemPrompt
		}
	}
	if binding.External != nil {
		cfg.Command = binding.External.Command
		cfg.Args = binding.External.Args
		cfg.WorkDir = binding.External.WorkDir
		cfg.Environment = binding.External.Env
	}

	eng, err := factory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start engine for %s: %w", req.AgentID, err)
	}

	ra := &runningAgent{eng: eng, callsign: id.Callsign}
	r.mu.Lock()
	r.agents[req.AgentID] = ra
	r.mu.Unlock()

	r.bus.PublishType(eventbus.AgentState, map[string]string{"callsign": id.Callsign, "state": "activating"})

	eng.OnExit(func(exitErr error) {
		r.mu.Lock()
		delete(r.agents, req.AgentID)
		r.mu.Unlock()
		if exitErr != nil {
			r.logger.Warn("engine exited with error", "agent_id", req.AgentID, "error", exitErr)
		}
	})

	go r.pumpOutput(req.AgentID, ra)

	_ = caps // reserved for capability-gated behavior (resume attach, native session ids)

	return r.client.Send(wire.TypeAgentCheckin, wire.AgentCheckin{AgentID: req.AgentID})
}

func (r *Runtime) handleMessage(payload any) error {
	var req wire.Message
	if err := decodePayload(payload, &req); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	r.mu.Lock()
	ra, ok := r.agents[req.AgentID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active engine for %s", req.AgentID)
	}

	envelope := struct {
		Sender  string `json:"sender"`
		Content string `json:"content"`
	}{Sender: req.Sender, Content: req.Content}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal message payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return ra.eng.Send(ctx, data)
}

func (r *Runtime) handleSuspend(payload any) error {
	var req wire.Suspend
	if err := decodePayload(payload, &req); err != nil {
		return fmt.Errorf("unmarshal suspend: %w", err)
	}

	r.mu.Lock()
	ra, ok := r.agents[req.AgentID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ra.eng.Terminate(ctx, req.Reason)
}

// pumpOutput translates one engine's output stream into streaming
// frames on the control channel. Each turn gets its own pkg/message
// scratchpad: the handle emits the start frame on the first chunk and
// an append frame per chunk, matching pkg/frame's start/append/set
// grammar exactly so the hub's consumer never sees a malformed
// sequence. Turn completion or termination emits a status set-frame.
func (r *Runtime) pumpOutput(agentID string, ra *runningAgent) {
	for out := range ra.eng.Output() {
		if out.Terminated {
			r.sendStatusFrame(agentID, ra, "offline")
			r.bus.PublishType(eventbus.AgentState, map[string]string{"callsign": ra.callsign, "state": "offline"})
			return
		}

		if len(out.Data) > 0 {
			if ra.turn == nil {
				ra.turn = message.New(sortid.New(), nil)
				r.bus.PublishType(eventbus.AgentState, map[string]string{"callsign": ra.callsign, "state": "busy"})
			}
			frames, err := ra.turn.Stream(string(out.Data))
			if err != nil {
				r.logger.Error("stream turn chunk failed", "agent_id", agentID, "error", err)
			} else {
				for _, f := range frames {
					r.sendFrame(agentID, f)
				}
				r.bus.PublishType(eventbus.AgentOutput, map[string]string{"callsign": ra.callsign})
			}
		}

		if out.TurnDone {
			if ra.turn != nil {
				if f, err := ra.turn.Set(map[string]any{"type": "agent"}); err != nil {
					r.logger.Error("finalize turn failed", "agent_id", agentID, "error", err)
				} else {
					r.sendFrame(agentID, f)
				}
			}
			ra.turn = nil
			r.sendStatusFrame(agentID, ra, "online")
			r.bus.PublishType(eventbus.AgentState, map[string]string{"callsign": ra.callsign, "state": "online"})
		}
	}
}

func (r *Runtime) sendStatusFrame(agentID string, ra *runningAgent, status string) {
	value, _ := json.Marshal(map[string]string{"type": "status", "content": status})
	r.sendFrame(agentID, frame.Frame{
		Kind:      frame.KindSet,
		ID:        sortid.New(),
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Value:     value,
	})
}

func (r *Runtime) sendFrame(agentID string, f frame.Frame) {
	line, err := frame.Serialize(f)
	if err != nil {
		r.logger.Error("serialize frame failed", "agent_id", agentID, "error", err)
		return
	}
	if err := r.client.Send(wire.TypeFrame, frameEnvelope{AgentID: agentID, Frame: line}); err != nil {
		r.logger.Warn("send frame failed", "agent_id", agentID, "error", err)
	}
}
