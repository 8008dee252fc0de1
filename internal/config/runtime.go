package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// RuntimeConfigFile is the top-level runtime-side configuration.
type RuntimeConfigFile struct {
	Hub     HubConnConfig   `json:"hub"`
	Runtime RuntimeSelfConfig `json:"runtime"`
	Agents  []AgentBinding  `json:"agents"`
}

// HubConnConfig defines how the runtime connects to the hub's control
// channel.
type HubConnConfig struct {
	URL               string   `json:"url"`
	Token             string   `json:"token"`
	TLSSkipVerify     bool     `json:"tls_skip_verify,omitempty"`
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectDelay Duration `json:"max_reconnect_delay,omitempty"`
}

// RuntimeSelfConfig defines global limits for this runtime process.
type RuntimeSelfConfig struct {
	ID              string   `json:"id"`
	SpaceID         string   `json:"space_id,omitempty"`
	Name            string   `json:"name"`
	MaxAgents       int      `json:"max_agents"`
	ActivateTimeout Duration `json:"activate_timeout"`
	HeartbeatPeriod Duration `json:"heartbeat_period"`
	LogLevel        string   `json:"log_level"`

	// Containerized deployment policy (spec.md §4.6 design note): when
	// enabled, MCP server URLs and environment values that point at
	// localhost are rewritten to HostAlias before a containerized child
	// engine starts. Every other rewrite target is rejected.
	ContainerizedEngines bool   `json:"containerized_engines,omitempty"`
	HostAlias            string `json:"host_alias,omitempty"`
	DockerImage          string `json:"docker_image,omitempty"`
}

// AgentBinding binds one callsign on this runtime to an engine.
type AgentBinding struct {
	Callsign string            `json:"callsign"`
	EngineID string            `json:"engine_id"` // "claude-sdk", "nuum", "external", ...
	Tags     map[string]string `json:"tags,omitempty"`
	Limits   *AgentLimits      `json:"limits,omitempty"`

	InProcess *InProcessEngineConfig `json:"in_process,omitempty"`
	External  *ExternalEngineConfig  `json:"external,omitempty"`
}

// AgentLimits are per-agent operational limits.
type AgentLimits struct {
	SessionTimeout Duration `json:"session_timeout,omitempty"`
	MaxOutputBytes int64    `json:"max_output_bytes,omitempty"`
	IdleTimeout    Duration `json:"idle_timeout,omitempty"`
}

// InProcessEngineConfig configures an in-process (embedded SDK) engine.
type InProcessEngineConfig struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	WorkDir      string `json:"work_dir,omitempty"`
}

// ExternalEngineConfig configures a child-process NDJSON engine.
type ExternalEngineConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// LoadRuntime reads and validates a runtime config file.
func LoadRuntime(path string) (*RuntimeConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg RuntimeConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *RuntimeConfigFile) validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	if c.Hub.Token == "" {
		return fmt.Errorf("hub.token is required")
	}
	if c.Runtime.ID == "" {
		return fmt.Errorf("runtime.id is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Callsign == "" {
			return fmt.Errorf("agents[%d].callsign is required", i)
		}
		if seen[a.Callsign] {
			return fmt.Errorf("duplicate agent callsign: %s", a.Callsign)
		}
		seen[a.Callsign] = true
		if a.EngineID == "" {
			return fmt.Errorf("agents[%d].engine_id is required", i)
		}
	}
	if c.Runtime.ContainerizedEngines && c.Runtime.HostAlias == "" {
		return fmt.Errorf("runtime.host_alias is required when containerized_engines is enabled")
	}
	return nil
}

func (c *RuntimeConfigFile) applyDefaults() {
	if c.Runtime.MaxAgents == 0 {
		c.Runtime.MaxAgents = 10
	}
	if c.Runtime.ActivateTimeout.Duration == 0 {
		c.Runtime.ActivateTimeout.Duration = 30 * time.Second
	}
	if c.Runtime.HeartbeatPeriod.Duration == 0 {
		c.Runtime.HeartbeatPeriod.Duration = 15 * time.Second
	}
	if c.Runtime.LogLevel == "" {
		c.Runtime.LogLevel = "info"
	}
	if c.Hub.ReconnectInterval.Duration == 0 {
		c.Hub.ReconnectInterval.Duration = 2 * time.Second
	}
	if c.Hub.MaxReconnectDelay.Duration == 0 {
		c.Hub.MaxReconnectDelay.Duration = 60 * time.Second
	}
}
