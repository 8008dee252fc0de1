// Package mcpconfig validates the mcpServers manifest an activate or
// message control frame may carry (spec.md §4.4) before the hub
// forwards it to a runtime, generalized from
// vanducng-goclaw/internal/config's MCPServerConfig shape and
// mark3labs/mcp-go's own transport/protocol constants.
package mcpconfig

import (
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// Transport names the three connection kinds mcp-go's client package
// supports, mirrored from vanducng-goclaw's connectServer switch.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable-http"
)

// ServerManifest is one entry of an mcpServers map, structurally the
// same fields vanducng-goclaw's MCPServerConfig carries.
type ServerManifest struct {
	Transport  Transport         `json:"transport"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

// ClientInfo is the identity Tymbal presents during the MCP
// initialize handshake, per mcp-go's Implementation type.
var ClientInfo = mcpgo.Implementation{
	Name:    "tymbal-runtime",
	Version: "1.0.0",
}

// ProtocolVersion is the MCP wire version Tymbal's runtimes negotiate.
const ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION

// ParseAndValidate decodes an mcpServers map (as carried on an activate
// or message frame) into a validated set of ServerManifests. An
// activation whose MCP server list is structurally invalid is rejected
// outright rather than letting a malformed manifest reach the engine,
// per spec.md §4.10.
func ParseAndValidate(raw map[string]any) (map[string]ServerManifest, error) {
	out := make(map[string]ServerManifest, len(raw))
	for name, entry := range raw {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", name, err)
		}
		var m ServerManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", name, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", name, err)
		}
		out[name] = m
	}
	return out, nil
}

// Validate checks the manifest is structurally consistent for its
// declared transport, mirroring createClient's switch in
// vanducng-goclaw/internal/mcp/manager_connect.go.
func (m ServerManifest) Validate() error {
	switch m.Transport {
	case TransportStdio:
		if m.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
		if m.URL != "" {
			return fmt.Errorf("stdio transport does not accept url")
		}
	case TransportSSE, TransportStreamableHTTP:
		if m.URL == "" {
			return fmt.Errorf("%s transport requires url", m.Transport)
		}
		if m.Command != "" {
			return fmt.Errorf("%s transport does not accept command", m.Transport)
		}
	case "":
		return fmt.Errorf("transport is required")
	default:
		return fmt.Errorf("unsupported transport: %q", m.Transport)
	}
	if m.TimeoutSec < 0 {
		return fmt.Errorf("timeout_sec must not be negative")
	}
	return nil
}
